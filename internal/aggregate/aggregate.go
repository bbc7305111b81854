// Package aggregate merges per-operation results into the final
// response and optionally layers an LLM analysis on top.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"crossquery.app/conductor/common/llm"
	"crossquery.app/conductor/common/logger"
	"crossquery.app/conductor/internal/model"
	"crossquery.app/conductor/internal/oerr"
)

// analysisRowCap bounds how many rows are serialized into the analyst
// prompt.
const analysisRowCap = 50

type Aggregator struct {
	analyst llm.Client
}

func New(analyst llm.Client) *Aggregator {
	return &Aggregator{analyst: analyst}
}

// Merge concatenates completed operation results in plan order. For a
// cross-source plan every row is stamped with provenance columns; a
// single completed source passes through untouched. Fails with
// AggregationFailed only when the plan had executable work and none of
// it completed.
func (a *Aggregator) Merge(ctx context.Context, p model.Plan, results map[string]*model.OpResult, summary *model.ExecutionSummary) (*model.AggregatedResult, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		PlanID:    logger.Ptr(p.PlanID),
		Component: "conductor.aggregate",
	})

	var completed []*model.OpResult
	executable := 0
	for _, op := range p.Operations {
		if op.Kind != model.OpKindTranslateExecute {
			continue
		}
		executable++
		res, ok := results[op.OpID]
		if !ok || res.Status != model.OpCompleted {
			continue
		}
		completed = append(completed, res)
	}

	if executable > 0 && len(completed) == 0 {
		return nil, oerr.Newf(oerr.KindAggregationFailed, "no operation produced results")
	}

	out := &model.AggregatedResult{}
	if summary != nil {
		out.Summary = *summary
	}

	switch len(completed) {
	case 0:
		// Noop-only plan: a valid, empty answer.
	case 1:
		out.Rows = completed[0].Rows
		out.RepresentativeQuery = completed[0].NativeQuery
	default:
		var queries []string
		for _, res := range completed {
			for _, row := range res.Rows {
				stamped := make(model.Row, len(row)+2)
				for k, v := range row {
					stamped[k] = v
				}
				stamped[model.ProvenanceSourceKey] = model.StringValue(res.SourceID)
				stamped[model.ProvenanceOpKey] = model.StringValue(res.OpID)
				out.Rows = append(out.Rows, stamped)
			}
			queries = append(queries, fmt.Sprintf("[%s] %s", res.SourceID, res.NativeQuery))
		}
		out.RepresentativeQuery = strings.Join(queries, "\n")
	}

	slog.InfoContext(ctx, "results aggregated",
		"sources", len(completed),
		"rows", len(out.Rows))

	return out, nil
}

// Analyze streams a natural-language reading of the merged rows.
// Chunks go to onChunk as they arrive; the full text is returned.
// Analysis failures are reported but never fail the request.
func (a *Aggregator) Analyze(ctx context.Context, question string, agg *model.AggregatedResult, onChunk func(string)) (string, error) {
	if a.analyst == nil {
		return "", oerr.Newf(oerr.KindConfigInvalid, "no analyst model configured")
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "conductor.aggregate",
	})

	var full strings.Builder
	resp, err := a.analyst.ChatStream(ctx, llm.Request{
		SystemPrompt: analysisSystemPrompt,
		UserPrompt:   buildAnalysisPrompt(question, agg),
		Temperature:  llm.Temp(0.3),
	}, func(chunk string) {
		full.WriteString(chunk)
		if onChunk != nil {
			onChunk(chunk)
		}
	})
	if err != nil {
		return "", fmt.Errorf("generating analysis: %w", err)
	}

	slog.DebugContext(ctx, "analysis generated",
		"prompt_tokens", resp.PromptTokens,
		"completion_tokens", resp.CompletionTokens)

	return full.String(), nil
}

func buildAnalysisPrompt(question string, agg *model.AggregatedResult) string {
	var sb strings.Builder
	sb.WriteString("Question:\n")
	sb.WriteString(question)
	sb.WriteString("\n\nQueries run:\n")
	sb.WriteString(agg.RepresentativeQuery)
	sb.WriteString(fmt.Sprintf("\n\nResult rows (%d total", len(agg.Rows)))
	if len(agg.Rows) > analysisRowCap {
		sb.WriteString(fmt.Sprintf(", first %d shown", analysisRowCap))
	}
	sb.WriteString("):\n")

	rows := agg.Rows
	if len(rows) > analysisRowCap {
		rows = rows[:analysisRowCap]
	}
	for _, row := range rows {
		sb.WriteString(formatRow(row))
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatRow(row model.Row) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, row[k].Primitive()))
	}
	return strings.Join(parts, " ")
}

const analysisSystemPrompt = `You analyze query results for a data team.

Write a short plain-prose summary answering the original question from the rows provided.
- Lead with the direct answer, then one or two supporting observations.
- Mention which source a figure came from when rows carry a _source_id column.
- Note gaps honestly when the rows cannot fully answer the question.
- No markdown tables, no code blocks.`
