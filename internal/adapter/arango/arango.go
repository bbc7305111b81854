// Package arango is the document adapter. Natural language is
// translated to read-only AQL and executed through the ArangoDB v2
// driver.
package arango

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/arangodb/go-driver/v2/arangodb"
	"github.com/arangodb/go-driver/v2/arangodb/shared"
	"github.com/arangodb/go-driver/v2/connection"

	"crossquery.app/conductor/common/llm"
	"crossquery.app/conductor/common/logger"
	"crossquery.app/conductor/internal/adapter"
	"crossquery.app/conductor/internal/model"
	"crossquery.app/conductor/internal/oerr"
)

var mutationKeywords = regexp.MustCompile(`(?i)\b(insert|update|remove|replace|upsert)\b`)

type Config struct {
	URL      string
	Username string
	Password string
	Database string
}

func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("arangodb URL is required")
	}
	if c.Username == "" {
		return fmt.Errorf("arangodb username is required")
	}
	if c.Database == "" {
		return fmt.Errorf("arangodb database name is required")
	}
	return nil
}

type Adapter struct {
	sourceID   string
	db         arangodb.Database
	translator *adapter.Translator
	schema     string
}

func New(ctx context.Context, sourceID string, cfg Config, llmClient llm.Client, schemaSummary string) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, oerr.Wrap(oerr.KindConfigInvalid, fmt.Errorf("arangodb config: %w", err))
	}

	endpoint := connection.NewRoundRobinEndpoints([]string{cfg.URL})
	conn := connection.NewHttp2Connection(connection.DefaultHTTP2ConfigurationWrapper(endpoint, true))

	auth := connection.NewBasicAuth(cfg.Username, cfg.Password)
	if err := conn.SetAuthentication(auth); err != nil {
		return nil, fmt.Errorf("arangodb auth: %w", err)
	}

	client := arangodb.NewClient(conn)
	db, err := client.GetDatabase(ctx, cfg.Database, nil)
	if err != nil {
		return nil, fmt.Errorf("get database: %w", err)
	}

	translator := adapter.NewTranslator(llmClient, "aql", aqlSystemPrompt, ValidateAQL)
	return &Adapter{
		sourceID:   sourceID,
		db:         db,
		translator: translator,
		schema:     schemaSummary,
	}, nil
}

func (a *Adapter) SourceID() string {
	return a.sourceID
}

func (a *Adapter) Test(ctx context.Context) error {
	if _, err := a.db.Collections(ctx); err != nil {
		return classify(err)
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
		Component: "conductor.adapter.arango",
	})

	if err := ValidateAQL(native); err != nil {
		return nil, oerr.Wrap(oerr.KindAdapterPermanent, err)
	}

	start := time.Now()
	cursor, err := a.db.Query(ctx, native, &arangodb.QueryOptions{})
	if err != nil {
		return nil, classify(err)
	}
	defer cursor.Close()

	var out []model.Row
	for cursor.HasMore() {
		var doc any
		if _, err := cursor.ReadDocument(ctx, &doc); err != nil {
			if shared.IsNoMoreDocuments(err) {
				break
			}
			return nil, classify(err)
		}
		out = append(out, toRow(doc))
	}

	slog.DebugContext(ctx, "aql query executed",
		"rows", len(out),
		"duration_ms", time.Since(start).Milliseconds())

	return &adapter.Result{Rows: out, Native: native}, nil
}

func (a *Adapter) Introspect(ctx context.Context) (string, error) {
	collections, err := a.db.Collections(ctx)
	if err != nil {
		return "", classify(err)
	}

	var names []string
	for _, col := range collections {
		name := col.Name()
		if strings.HasPrefix(name, "_") {
			continue // system collections
		}
		names = append(names, name)
	}

	return "collections: " + strings.Join(names, ", "), nil
}

// toRow normalizes an AQL result document. AQL can return scalars as
// well as objects; scalars land under a synthetic "value" column.
func toRow(doc any) model.Row {
	if m, ok := doc.(map[string]any); ok {
		return model.RowFromAny(m)
	}
	return model.Row{"value": model.FromAny(doc)}
}

// ValidateAQL rejects queries containing data-modification operations.
func ValidateAQL(native string) error {
	if !strings.Contains(strings.ToUpper(native), "RETURN") {
		return fmt.Errorf("AQL query must contain a RETURN")
	}
	if mutationKeywords.MatchString(native) {
		return fmt.Errorf("AQL mutations are not allowed")
	}
	return nil
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var arangoErr shared.ArangoError
	if errors.As(err, &arangoErr) {
		// The server parsed and rejected the request: bad AQL, missing
		// collection, permissions. Retrying won't help.
		return oerr.Wrap(oerr.KindAdapterPermanent, fmt.Errorf("arangodb: %w", err))
	}
	return oerr.Wrap(oerr.KindAdapterTransport, fmt.Errorf("arangodb: %w", err))
}

const aqlSystemPrompt = `You translate questions into read-only ArangoDB AQL queries.

Rules:
- Produce exactly one AQL query ending in RETURN. Never INSERT, UPDATE, REMOVE, REPLACE or UPSERT.
- Use only the collections listed in the provided schema.
- Add LIMIT 100 unless the question asks for an aggregate.
- Return full documents unless the question asks for specific attributes.`
