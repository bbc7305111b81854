package orchestrator

import (
	"context"
	"time"

	"crossquery.app/conductor/common/logger"
	"crossquery.app/conductor/internal/adapter"
	"crossquery.app/conductor/internal/execute"
	"crossquery.app/conductor/internal/model"
	"crossquery.app/conductor/internal/oerr"
	"crossquery.app/conductor/internal/registry"
	"crossquery.app/conductor/internal/stream"
)

// schemaRowKey carries an introspect op's schema text through its
// result rows so downstream translate ops can use it as hints.
const schemaRowKey = "schema"

// invoker gives the executor the meaning of each operation kind. One
// invoker serves one request; it carries the request's stream.
type invoker struct {
	o    *Orchestrator
	mux  *stream.Mux
	snap *registry.Snapshot
}

func (iv *invoker) Invoke(ctx context.Context, op model.Operation, deps map[string]*model.OpResult) (*execute.Output, error) {
	switch op.Kind {
	case model.OpKindTranslateExecute:
		return iv.translateExecute(ctx, op, deps)
	case model.OpKindIntrospect:
		return iv.introspect(ctx, op)
	case model.OpKindAggregate, model.OpKindNoop:
		// Aggregation happens after the run over all results; the op
		// only anchors the dependency edges.
		return &execute.Output{}, nil
	default:
		return nil, oerr.Newf(oerr.KindPlanInvalid, "unknown operation kind %q", op.Kind)
	}
}

func (iv *invoker) translateExecute(ctx context.Context, op model.Operation, deps map[string]*model.OpResult) (*execute.Output, error) {
	a, ok := iv.o.adapters.Get(op.SourceID)
	if !ok {
		return nil, oerr.Newf(oerr.KindAdapterPermanent, "no adapter for source %q", op.SourceID)
	}

	question, _ := op.Params["question"].(string)
	if question == "" {
		return nil, oerr.Newf(oerr.KindPlanInvalid, "operation %s has no question", op.OpID)
	}

	// Prefer a schema produced by an upstream introspect in this plan;
	// fall back to the registry's static summary inside the adapter.
	var hints string
	for _, dep := range deps {
		if dep.Status != model.OpCompleted || len(dep.Rows) == 0 {
			continue
		}
		if v, ok := dep.Rows[0][schemaRowKey]; ok {
			hints, _ = v.Primitive().(string)
		}
	}

	_ = iv.mux.Emit(ctx, stream.EventQueryGenerating, stream.D{
		"op_id":     op.OpID,
		"source_id": op.SourceID,
	})
	native, err := a.Translate(ctx, question, hints)
	if err != nil {
		return nil, err
	}
	_ = iv.mux.Emit(ctx, stream.EventQueryValidating, stream.D{
		"op_id":        op.OpID,
		"source_id":    op.SourceID,
		"native_query": logger.Truncate(native, 500),
	})

	_ = iv.mux.Emit(ctx, stream.EventQueryExecuting, stream.D{
		"op_id":     op.OpID,
		"source_id": op.SourceID,
	})

	execStart := time.Now()
	result, err := iv.execute(ctx, op, a, native)
	if err != nil {
		return nil, err
	}

	_ = iv.mux.Emit(ctx, stream.EventResultsReady, stream.D{
		"op_id":             op.OpID,
		"source_id":         op.SourceID,
		"rows_count":        len(result.Rows),
		"execution_time_ms": time.Since(execStart).Milliseconds(),
	})

	return &execute.Output{Rows: result.Rows, NativeQuery: result.Native}, nil
}

// execute prefers the streaming path when both the adapter and the
// source declare it; partial batches go straight to the caller.
func (iv *invoker) execute(ctx context.Context, op model.Operation, a adapter.Adapter, native string) (*adapter.Result, error) {
	src, err := iv.snap.Get(op.SourceID)
	if err != nil {
		return nil, err
	}

	streamer, canStream := a.(adapter.Streamer)
	if !canStream || !src.HasCap(model.CapStreamingResults) {
		return a.Execute(ctx, native)
	}

	return streamer.Stream(ctx, native, func(rows []model.Row, complete bool) {
		if len(rows) == 0 && !complete {
			return
		}
		_ = iv.mux.Emit(ctx, stream.EventPartialResults, stream.D{
			"op_id":     op.OpID,
			"source_id": op.SourceID,
			"rows":      stream.RowsPayload(rows),
			"complete":  complete,
		})
	})
}

func (iv *invoker) introspect(ctx context.Context, op model.Operation) (*execute.Output, error) {
	a, ok := iv.o.adapters.Get(op.SourceID)
	if !ok {
		return nil, oerr.Newf(oerr.KindAdapterPermanent, "no adapter for source %q", op.SourceID)
	}

	_ = iv.mux.Emit(ctx, stream.EventSchemaLoading, stream.D{
		"op_id":     op.OpID,
		"source_id": op.SourceID,
	})

	schema, err := a.Introspect(ctx)
	if err != nil {
		return nil, err
	}

	_ = iv.mux.Emit(ctx, stream.EventSchemaChunks, stream.D{
		"op_id":     op.OpID,
		"source_id": op.SourceID,
		"schema":    logger.Truncate(schema, 2000),
	})

	return &execute.Output{
		Rows: []model.Row{{schemaRowKey: model.StringValue(schema)}},
	}, nil
}
