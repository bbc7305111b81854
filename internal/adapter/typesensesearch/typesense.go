// Package typesensesearch is the vector/search adapter. The native
// query is a small JSON envelope describing a Typesense search; the
// translator fills it from the question and the collection schemas.
package typesensesearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/typesense/typesense-go/v4/typesense"
	"github.com/typesense/typesense-go/v4/typesense/api"
	"github.com/typesense/typesense-go/v4/typesense/api/pointer"

	"crossquery.app/conductor/common/llm"
	"crossquery.app/conductor/common/logger"
	"crossquery.app/conductor/internal/adapter"
	"crossquery.app/conductor/internal/model"
	"crossquery.app/conductor/internal/oerr"
)

// SearchQuery is the native query shape for this adapter.
type SearchQuery struct {
	Collection string `json:"collection"`
	Q          string `json:"q"`
	QueryBy    string `json:"query_by"`
	FilterBy   string `json:"filter_by,omitempty"`
	SortBy     string `json:"sort_by,omitempty"`
	PerPage    int    `json:"per_page,omitempty"`
}

type Adapter struct {
	sourceID    string
	client      *typesense.Client
	translator  *adapter.Translator
	collections []string // allowlist; empty = all
	schema      string
}

func New(sourceID, url, apiKey string, collections []string, llmClient llm.Client, schemaSummary string) *Adapter {
	client := typesense.NewClient(
		typesense.WithServer(url),
		typesense.WithAPIKey(apiKey),
		typesense.WithConnectionTimeout(10*time.Second),
	)

	a := &Adapter{
		sourceID:    sourceID,
		client:      client,
		collections: collections,
		schema:      schemaSummary,
	}
	a.translator = adapter.NewTranslator(llmClient, "typesense", searchSystemPrompt, a.validateNative)
	return a
}

func (a *Adapter) SourceID() string {
	return a.sourceID
}

func (a *Adapter) Test(ctx context.Context) error {
	ok, err := a.client.Health(ctx, 2*time.Second)
	if err != nil {
		return oerr.Wrap(oerr.KindAdapterTransport, fmt.Errorf("typesense health: %w", err))
	}
	if !ok {
		return oerr.Newf(oerr.KindAdapterTransport, "typesense unhealthy")
	}
	return nil
}

func (a *Adapter) Translate(ctx context.Context, question, schemaHints string) (string, error) {
	if schemaHints == "" {
		schemaHints = a.schema
	}
	return a.translator.Translate(ctx, question, schemaHints)
}

func (a *Adapter) Execute(ctx context.Context, native string) (*adapter.Result, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		SourceID:  logger.Ptr(a.sourceID),
		Component: "conductor.adapter.typesense",
	})

	var q SearchQuery
	if err := json.Unmarshal([]byte(native), &q); err != nil {
		return nil, oerr.Wrap(oerr.KindAdapterPermanent, fmt.Errorf("parsing search query: %w", err))
	}
	if err := a.validateNative(native); err != nil {
		return nil, oerr.Wrap(oerr.KindAdapterPermanent, err)
	}

	perPage := q.PerPage
	if perPage == 0 {
		perPage = 50
	}

	params := &api.SearchCollectionParams{
		Q:       pointer.String(q.Q),
		QueryBy: pointer.String(q.QueryBy),
		PerPage: pointer.Int(perPage),
	}
	if q.FilterBy != "" {
		params.FilterBy = pointer.String(q.FilterBy)
	}
	if q.SortBy != "" {
		params.SortBy = pointer.String(q.SortBy)
	}

	start := time.Now()
	result, err := a.client.Collection(q.Collection).Documents().Search(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	var out []model.Row
	if result.Hits != nil {
		for _, hit := range *result.Hits {
			if hit.Document == nil {
				continue
			}
			row := model.RowFromAny(*hit.Document)
			if hit.TextMatch != nil {
				row["_text_match"] = model.IntValue(*hit.TextMatch)
			}
			out = append(out, row)
		}
	}

	slog.DebugContext(ctx, "typesense search executed",
		"collection", q.Collection,
		"rows", len(out),
		"duration_ms", time.Since(start).Milliseconds())

	return &adapter.Result{Rows: out, Native: native}, nil
}

func (a *Adapter) Introspect(ctx context.Context) (string, error) {
	collections, err := a.client.Collections().Retrieve(ctx, nil)
	if err != nil {
		return "", classify(err)
	}

	var sb strings.Builder
	for _, col := range collections {
		if len(a.collections) > 0 && !contains(a.collections, col.Name) {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(col.Name)
		sb.WriteString(":")
		for _, field := range col.Fields {
			sb.WriteString(fmt.Sprintf(" %s(%s)", field.Name, field.Type))
		}
	}

	return sb.String(), nil
}

func (a *Adapter) validateNative(native string) error {
	var q SearchQuery
	if err := json.Unmarshal([]byte(native), &q); err != nil {
		return fmt.Errorf("native query must be a JSON search envelope: %w", err)
	}
	if q.Collection == "" || q.Q == "" || q.QueryBy == "" {
		return fmt.Errorf("collection, q and query_by are required")
	}
	if len(a.collections) > 0 && !contains(a.collections, q.Collection) {
		return fmt.Errorf("collection %q is not allowed", q.Collection)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var httpErr *typesense.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Status == 429 || httpErr.Status >= 500 {
			return oerr.Wrap(oerr.KindAdapterTransport, fmt.Errorf("typesense: %w", err))
		}
		return oerr.Wrap(oerr.KindAdapterPermanent, fmt.Errorf("typesense: %w", err))
	}
	return oerr.Wrap(oerr.KindAdapterTransport, fmt.Errorf("typesense: %w", err))
}

const searchSystemPrompt = `You translate questions into Typesense search envelopes.

Respond with a JSON object: {"collection", "q", "query_by", "filter_by"?, "sort_by"?, "per_page"?}.
- collection must be one of the collections in the provided schema.
- query_by lists the text fields to search, comma-separated.
- filter_by uses Typesense filter syntax (field:=value, field:>n).
- Keep q to the search terms only, not the full question.`
