// Package adapter defines the uniform capability surface every source
// implements. The core stays agnostic of query languages: Translate
// produces an adapter-native query, Execute runs it, and rows come back
// as tagged-variant records.
package adapter

import (
	"context"

	"crossquery.app/conductor/internal/model"
)

// Adapter is the required capability set for a source.
// Implementations must respect the deadline carried by ctx; they may
// batch or retry internally but never past the deadline.
type Adapter interface {
	// SourceID returns the registry id this adapter serves.
	SourceID() string

	// Test probes connectivity. Used by the availability prober.
	Test(ctx context.Context) error

	// Translate turns a natural-language question into an
	// adapter-native query, guided by schema hints.
	Translate(ctx context.Context, question, schemaHints string) (string, error)

	// Execute runs a native query and returns materialized rows.
	Execute(ctx context.Context, native string) (*Result, error)

	// Introspect returns a human-readable schema summary.
	Introspect(ctx context.Context) (string, error)
}

// Streamer is implemented by adapters that can deliver rows in chunks.
// onChunk is called for each batch; the returned Result holds the full
// materialized set.
type Streamer interface {
	Stream(ctx context.Context, native string, onChunk func(rows []model.Row, complete bool)) (*Result, error)
}

// Explainer is implemented by adapters that can describe a native
// query's execution plan.
type Explainer interface {
	Explain(ctx context.Context, native string) (string, error)
}

// Analyzer is implemented by adapters that can summarize a result set.
type Analyzer interface {
	AnalyzeResult(ctx context.Context, rows []model.Row) (string, error)
}

// Result is the outcome of a successful Execute.
type Result struct {
	Rows   []model.Row
	Native string
}

// Set resolves adapters by source id. The orchestrator builds one Set
// at startup from the enabled config sections.
type Set map[string]Adapter

func (s Set) Get(sourceID string) (Adapter, bool) {
	a, ok := s[sourceID]
	return a, ok
}
