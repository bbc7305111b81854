package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"crossquery.app/conductor/common/llm"
	"crossquery.app/conductor/common/logger"
	"crossquery.app/conductor/internal/oerr"
)

// Translator converts natural-language questions into native queries
// using a structured-output LLM call. Each adapter owns a Translator
// configured with its dialect prompt and a validation guard.
type Translator struct {
	llm      llm.Client
	dialect  string
	system   string
	validate func(native string) error
}

type translationOutput struct {
	Query     string `json:"query" jsonschema:"required,description=The native query. Query only, no commentary."`
	Reasoning string `json:"reasoning" jsonschema:"required,description=One sentence on how the question maps to the query"`
}

func NewTranslator(client llm.Client, dialect, systemPrompt string, validate func(string) error) *Translator {
	return &Translator{
		llm:      client,
		dialect:  dialect,
		system:   systemPrompt,
		validate: validate,
	}
}

func (t *Translator) Translate(ctx context.Context, question, schemaHints string) (string, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "conductor.adapter.translator",
	})

	var prompt strings.Builder
	prompt.WriteString("Question:\n")
	prompt.WriteString(question)
	if schemaHints != "" {
		prompt.WriteString("\n\nSchema:\n")
		prompt.WriteString(schemaHints)
	}

	var out translationOutput
	resp, err := t.llm.Chat(ctx, llm.Request{
		SystemPrompt: t.system,
		UserPrompt:   prompt.String(),
		SchemaName:   fmt.Sprintf("%s_translation", t.dialect),
		Schema:       llm.GenerateSchema[translationOutput](),
		Temperature:  llm.Temp(0),
	}, &out)
	if err != nil {
		if llm.IsRetryable(ctx, err) {
			return "", oerr.Wrap(oerr.KindAdapterTransport, fmt.Errorf("translating to %s: %w", t.dialect, err))
		}
		return "", oerr.Wrap(oerr.KindAdapterPermanent, fmt.Errorf("translating to %s: %w", t.dialect, err))
	}

	native := strings.TrimSpace(out.Query)
	if native == "" {
		return "", oerr.Newf(oerr.KindAdapterPermanent, "translator returned empty %s query", t.dialect)
	}

	if t.validate != nil {
		if err := t.validate(native); err != nil {
			return "", oerr.Wrap(oerr.KindAdapterPermanent, fmt.Errorf("generated %s query rejected: %w", t.dialect, err))
		}
	}

	slog.DebugContext(ctx, "question translated",
		"dialect", t.dialect,
		"native_query", logger.Truncate(native, 300),
		"prompt_tokens", resp.PromptTokens,
		"completion_tokens", resp.CompletionTokens)

	return native, nil
}
