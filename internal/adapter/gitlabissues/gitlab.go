// Package gitlabissues is the messaging/SaaS adapter. The native query
// is a JSON envelope over the GitLab issues API; rows are issues with
// their discussion metadata.
package gitlabissues

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"crossquery.app/conductor/common/llm"
	"crossquery.app/conductor/common/logger"
	"crossquery.app/conductor/internal/adapter"
	"crossquery.app/conductor/internal/model"
	"crossquery.app/conductor/internal/oerr"
)

// IssueQuery is the native query shape for this adapter.
type IssueQuery struct {
	Search string   `json:"search"`
	State  string   `json:"state,omitempty"` // opened, closed, all
	Labels []string `json:"labels,omitempty"`
	Limit  int      `json:"limit,omitempty"`
}

type Adapter struct {
	sourceID   string
	client     *gitlab.Client
	translator *adapter.Translator
	schema     string
}

func New(sourceID, token, baseURL string, llmClient llm.Client, schemaSummary string) (*Adapter, error) {
	var opts []gitlab.ClientOptionFunc
	if baseURL != "" {
		opts = append(opts, gitlab.WithBaseURL(baseURL))
	}

	client, err := gitlab.NewClient(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gitlab client: %w", err)
	}

	translator := adapter.NewTranslator(llmClient, "gitlab", issuesSystemPrompt, ValidateQuery)
	return &Adapter{
		sourceID:   sourceID,
		client:     client,
		translator: translator,
		schema:     schemaSummary,
	}, nil
}

func (a *Adapter) SourceID() string {
	return a.sourceID
}

func (a *Adapter) Test(ctx context.Context) error {
	if _, _, err := a.client.Version.GetVersion(gitlab.WithContext(ctx)); err != nil {
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
		Component: "conductor.adapter.gitlab",
	})

	var q IssueQuery
	if err := json.Unmarshal([]byte(native), &q); err != nil {
		return nil, oerr.Wrap(oerr.KindAdapterPermanent, fmt.Errorf("parsing issue query: %w", err))
	}
	if err := ValidateQuery(native); err != nil {
		return nil, oerr.Wrap(oerr.KindAdapterPermanent, err)
	}

	limit := q.Limit
	if limit == 0 || limit > 100 {
		limit = 50
	}

	opts := &gitlab.ListIssuesOptions{
		Search:      gitlab.Ptr(q.Search),
		Scope:       gitlab.Ptr("all"),
		ListOptions: gitlab.ListOptions{PerPage: int64(limit)},
	}
	if q.State != "" && q.State != "all" {
		opts.State = gitlab.Ptr(q.State)
	}
	if len(q.Labels) > 0 {
		labels := gitlab.LabelOptions(q.Labels)
		opts.Labels = &labels
	}

	start := time.Now()
	issues, _, err := a.client.Issues.ListIssues(opts, gitlab.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}

	out := make([]model.Row, 0, len(issues))
	for _, issue := range issues {
		out = append(out, issueRow(issue))
	}

	slog.DebugContext(ctx, "gitlab issue query executed",
		"rows", len(out),
		"duration_ms", time.Since(start).Milliseconds())

	return &adapter.Result{Rows: out, Native: native}, nil
}

func (a *Adapter) Introspect(ctx context.Context) (string, error) {
	// The issues API has a fixed shape; introspection reports it so the
	// planner can treat this adapter like any schema-bearing source.
	return "issues: iid(int) title(string) state(string) author(string) labels(string[]) web_url(string) created_at(timestamp) updated_at(timestamp) notes_count(int)", nil
}

func issueRow(issue *gitlab.Issue) model.Row {
	row := model.Row{
		"iid":         model.IntValue(int64(issue.IID)),
		"title":       model.StringValue(issue.Title),
		"state":       model.StringValue(issue.State),
		"web_url":     model.StringValue(issue.WebURL),
		"notes_count": model.IntValue(int64(issue.UserNotesCount)),
	}
	if issue.Author != nil {
		row["author"] = model.StringValue(issue.Author.Username)
	}
	if len(issue.Labels) > 0 {
		row["labels"] = model.NestedValue([]string(issue.Labels))
	}
	if issue.CreatedAt != nil {
		row["created_at"] = model.TimeValue(*issue.CreatedAt)
	}
	if issue.UpdatedAt != nil {
		row["updated_at"] = model.TimeValue(*issue.UpdatedAt)
	}
	return row
}

// ValidateQuery checks the native JSON envelope.
func ValidateQuery(native string) error {
	var q IssueQuery
	if err := json.Unmarshal([]byte(native), &q); err != nil {
		return fmt.Errorf("native query must be a JSON issue envelope: %w", err)
	}
	if q.Search == "" {
		return fmt.Errorf("search is required")
	}
	switch q.State {
	case "", "opened", "closed", "all":
	default:
		return fmt.Errorf("state must be opened, closed or all")
	}
	return nil
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var respErr *gitlab.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		code := respErr.Response.StatusCode
		if code == 429 || code >= 500 {
			return oerr.Wrap(oerr.KindAdapterTransport, fmt.Errorf("gitlab: %w", err))
		}
		return oerr.Wrap(oerr.KindAdapterPermanent, fmt.Errorf("gitlab: %w", err))
	}
	return oerr.Wrap(oerr.KindAdapterTransport, fmt.Errorf("gitlab: %w", err))
}

const issuesSystemPrompt = `You translate questions about issues, tickets and discussions into GitLab issue queries.

Respond with a JSON object: {"search", "state"?, "labels"?, "limit"?}.
- search holds the keywords to match in titles and descriptions.
- state is "opened", "closed" or "all" (omit for all).
- labels is a list of exact label names mentioned in the question.
- limit defaults to 50, maximum 100.`
