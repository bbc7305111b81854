// Package classify selects the subset of registered sources relevant
// to a question. Selection is an LLM call over the source catalog;
// when the LLM is unavailable the classifier degrades to the first
// source that can translate natural language.
package classify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"crossquery.app/conductor/common/llm"
	"crossquery.app/conductor/common/logger"
	"crossquery.app/conductor/internal/model"
	"crossquery.app/conductor/internal/oerr"
	"crossquery.app/conductor/internal/registry"
)

type Classifier struct {
	llm llm.Client
}

type classificationOutput struct {
	SourceIDs  []string `json:"source_ids" jsonschema:"required,description=IDs of the sources needed to answer the question. Empty if none apply."`
	Reasoning  string   `json:"reasoning" jsonschema:"required,description=One or two sentences on why these sources were chosen"`
	Confidence float64  `json:"confidence" jsonschema:"required,description=Confidence in the selection between 0 and 1"`
}

func New(client llm.Client) *Classifier {
	return &Classifier{llm: client}
}

// Classify picks the sources for a question against the given snapshot.
// Unknown source ids returned by the model are dropped; an LLM failure
// falls back to single-source selection rather than failing the query.
func (c *Classifier) Classify(ctx context.Context, question model.Question, snap *registry.Snapshot) (model.Classification, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "conductor.classify",
	})

	sources := snap.List()
	if len(sources) == 0 {
		return model.Classification{}, oerr.Newf(oerr.KindConfigInvalid, "no sources registered")
	}

	var out classificationOutput
	resp, err := c.llm.Chat(ctx, llm.Request{
		SystemPrompt: classifySystemPrompt,
		UserPrompt:   buildPrompt(question.Text, sources),
		SchemaName:   "source_classification",
		Schema:       llm.GenerateSchema[classificationOutput](),
		Temperature:  llm.Temp(0),
	}, &out)
	if err != nil {
		slog.WarnContext(ctx, "classifier unavailable, falling back to single source", "error", err)
		return c.fallback(ctx, question, snap)
	}

	selected := make([]string, 0, len(out.SourceIDs))
	for _, id := range out.SourceIDs {
		if !snap.Has(id) {
			slog.WarnContext(ctx, "classifier selected unknown source", "source_id", id)
			continue
		}
		selected = append(selected, id)
	}

	if len(selected) == 0 && len(out.SourceIDs) > 0 {
		// Every id the model produced was bogus; treat as a model failure.
		return c.fallback(ctx, question, snap)
	}

	cls := model.Classification{
		QuestionID:      question.ID,
		SelectedSources: selected,
		Reasoning:       out.Reasoning,
		IsCrossSource:   len(selected) > 1,
		Confidence:      out.Confidence,
	}
	if question.Flags.ForceCrossSource {
		cls.IsCrossSource = true
	}

	slog.InfoContext(ctx, "question classified",
		"selected", selected,
		"cross_source", cls.IsCrossSource,
		"confidence", out.Confidence,
		"prompt_tokens", resp.PromptTokens,
		"completion_tokens", resp.CompletionTokens)

	return cls, nil
}

// fallback selects the first source capable of NL translation, in
// configuration order. The result is marked so the caller can surface
// the degraded selection.
func (c *Classifier) fallback(ctx context.Context, question model.Question, snap *registry.Snapshot) (model.Classification, error) {
	src, ok := snap.FirstWithCap(model.CapTranslateNL)
	if !ok {
		return model.Classification{}, oerr.Newf(oerr.KindClassificationUnavailable,
			"classifier unavailable and no source can translate natural language")
	}

	slog.InfoContext(ctx, "classification fell back", "source_id", src.ID)

	return model.Classification{
		QuestionID:      question.ID,
		SelectedSources: []string{src.ID},
		Reasoning:       fmt.Sprintf("classifier unavailable; defaulted to %s", src.ID),
		IsCrossSource:   false,
		FellBack:        true,
	}, nil
}

func buildPrompt(question string, sources []model.Source) string {
	var sb strings.Builder
	sb.WriteString("Question:\n")
	sb.WriteString(question)
	sb.WriteString("\n\nAvailable sources:\n")
	for _, src := range sources {
		sb.WriteString(fmt.Sprintf("- id=%s kind=%s", src.ID, src.Kind))
		if len(src.Caps) > 0 {
			caps := make([]string, len(src.Caps))
			for i, c := range src.Caps {
				caps[i] = string(c)
			}
			sb.WriteString(" capabilities=" + strings.Join(caps, ","))
		}
		if src.SchemaSummary != "" {
			sb.WriteString("\n  schema: " + logger.Truncate(src.SchemaSummary, 500))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

const classifySystemPrompt = `You route analytics questions to data sources.

Given a question and a catalog of sources with their schemas, select the minimal set of sources needed to answer it.
- Select multiple sources only when the question genuinely spans them.
- Select no sources only when none of the catalogs are relevant.
- Prefer the source whose schema mentions the entities in the question.`
