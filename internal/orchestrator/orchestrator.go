// Package orchestrator drives one question through the full pipeline:
// classify, plan, execute, aggregate, analyze. Progress is published to
// a per-request stream; the transport behind the stream is the caller's
// concern.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"crossquery.app/conductor/common/logger"
	"crossquery.app/conductor/internal/adapter"
	"crossquery.app/conductor/internal/aggregate"
	"crossquery.app/conductor/internal/availability"
	"crossquery.app/conductor/internal/classify"
	"crossquery.app/conductor/internal/execute"
	"crossquery.app/conductor/internal/model"
	"crossquery.app/conductor/internal/oerr"
	"crossquery.app/conductor/internal/plan"
	"crossquery.app/conductor/internal/registry"
	"crossquery.app/conductor/internal/stream"
)

type Orchestrator struct {
	registry   *registry.Registry
	adapters   adapter.Set
	classifier *classify.Classifier
	aggregator *aggregate.Aggregator
	prober     *availability.Prober // optional
	execOpts   execute.Options
}

// Request is one question to orchestrate. SessionID and QuestionID are
// assigned by the caller so the same ids appear in the stream, the
// session store and the logs.
type Request struct {
	SessionID  string
	QuestionID string
	CallerID   string
	Question   string
	Flags      model.Flags
}

func New(reg *registry.Registry, adapters adapter.Set, classifier *classify.Classifier,
	aggregator *aggregate.Aggregator, prober *availability.Prober, execOpts execute.Options) *Orchestrator {
	return &Orchestrator{
		registry:   reg,
		adapters:   adapters,
		classifier: classifier,
		aggregator: aggregator,
		prober:     prober,
		execOpts:   execOpts,
	}
}

// Handle runs the pipeline to completion. It always finishes the stream
// with exactly one complete event, success or not, and never leaves the
// mux open. The returned result is nil when the pipeline failed before
// producing one.
func (o *Orchestrator) Handle(ctx context.Context, req Request, mux *stream.Mux) (*model.AggregatedResult, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		SessionID: logger.Ptr(req.SessionID),
		CallerID:  logger.Ptr(req.CallerID),
		Component: "conductor.orchestrator",
	})

	start := time.Now()
	result, err := o.run(ctx, req, mux)
	if err != nil {
		_ = mux.Emit(ctx, stream.EventError, stream.D{
			"code":        string(oerr.KindOf(err)),
			"message":     err.Error(),
			"recoverable": false,
		})
		mux.Complete(stream.D{
			"success":       false,
			"total_time_ms": time.Since(start).Milliseconds(),
			"error": stream.D{
				"code":    string(oerr.KindOf(err)),
				"message": err.Error(),
			},
		})
		return nil, err
	}

	mux.Complete(stream.D{
		"success":       true,
		"total_time_ms": time.Since(start).Milliseconds(),
	})
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request, mux *stream.Mux) (*model.AggregatedResult, error) {
	start := time.Now()
	_ = mux.Emit(ctx, stream.EventStatus, stream.D{
		"message": "orchestration started",
	})

	question := model.Question{
		ID:         req.QuestionID,
		Text:       req.Question,
		CallerID:   req.CallerID,
		Flags:      req.Flags,
		ReceivedAt: start,
	}
	snap := o.registry.Snapshot()

	// Classification.
	_ = mux.Emit(ctx, stream.EventClassifying, stream.D{"question_id": question.ID})
	cls, err := o.classifier.Classify(ctx, question, snap)
	if err != nil {
		return nil, err
	}
	if cls.FellBack {
		_ = mux.Emit(ctx, stream.EventError, stream.D{
			"code":        string(oerr.KindClassificationUnavailable),
			"message":     "classifier unavailable; defaulted to a single source",
			"recoverable": true,
		})
	}
	_ = mux.Emit(ctx, stream.EventDatabasesSelected, stream.D{
		"databases":       cls.SelectedSources,
		"is_cross_source": cls.IsCrossSource,
		"reasoning":       cls.Reasoning,
		"fell_back":       cls.FellBack,
	})

	// Planning.
	_ = mux.Emit(ctx, stream.EventPlanning, stream.D{"question_id": question.ID})
	p, err := plan.Build(ctx, question, cls, snap)
	if err != nil {
		_ = mux.Emit(ctx, stream.EventPlanValidated, stream.D{
			"plan_id": p.PlanID,
			"ok":      false,
			"errors":  p.Validation.Errors,
		})
		return nil, err
	}
	_ = mux.Emit(ctx, stream.EventPlanValidated, stream.D{
		"plan_id":    p.PlanID,
		"ok":         true,
		"operations": len(p.Operations),
	})

	if question.Flags.Optimize {
		var statuses map[string]model.SourceStatus
		if o.prober != nil {
			statuses = o.prober.Statuses()
		}
		optimized, notes := plan.Optimize(ctx, p, statuses, snap)
		if len(notes) > 0 {
			p = optimized
			_ = mux.Emit(ctx, stream.EventPlanOptimization, stream.D{
				"plan_id": p.PlanID,
				"notes":   notes,
			})
		}
	}

	if question.Flags.DryRun {
		slog.InfoContext(ctx, "dry run, skipping execution", "plan_id", p.PlanID)
		return &model.AggregatedResult{PlanInfo: &p}, nil
	}

	// Execution.
	opts := o.execOpts
	opts.FailFast = question.Flags.FailFast
	opts.OnUpdate = o.onUpdate(ctx, mux)

	iv := &invoker{o: o, mux: mux, snap: snap}
	executor := execute.New(iv, opts)
	results, summary := executor.Run(ctx, p)

	if ctx.Err() != nil {
		return nil, oerr.Wrap(oerr.KindCancelled, ctx.Err())
	}

	// Aggregation.
	_ = mux.Emit(ctx, stream.EventAggregating, stream.D{"plan_id": p.PlanID})
	agg, err := o.aggregator.Merge(ctx, p, results, summary)
	if err != nil {
		return nil, err
	}
	agg.PlanInfo = &p
	_ = mux.Emit(ctx, stream.EventAggregationComplete, stream.D{
		"rows":                      stream.RowsPayload(agg.Rows),
		"rows_count":                len(agg.Rows),
		"sources":                   summary.CompletedOps,
		"representative_query_text": agg.RepresentativeQuery,
		"execution_summary":         summary,
	})

	// Analysis is best effort: a failure is reported, never fatal.
	if question.Flags.Analyze {
		_ = mux.Emit(ctx, stream.EventAnalysisGenerating, stream.D{"rows": len(agg.Rows)})
		analysis, err := o.aggregator.Analyze(ctx, question.Text, agg, func(chunk string) {
			_ = mux.Emit(ctx, stream.EventAnalysisChunk, stream.D{"text": chunk})
		})
		if err != nil {
			slog.WarnContext(ctx, "analysis failed", "error", err)
			_ = mux.Emit(ctx, stream.EventError, stream.D{
				"code":        string(oerr.KindOf(err)),
				"message":     "analysis unavailable",
				"recoverable": true,
			})
		} else {
			agg.Analysis = analysis
			_ = mux.Emit(ctx, stream.EventAnalysisComplete, stream.D{"length": len(analysis)})
		}
	}

	slog.InfoContext(ctx, "orchestration finished",
		"rows", len(agg.Rows),
		"duration_ms", time.Since(start).Milliseconds())

	return agg, nil
}

// onUpdate surfaces executor state changes that matter to callers:
// failed operations become recoverable error events (the rest of the
// plan keeps going), skips and cancellations become status events.
func (o *Orchestrator) onUpdate(ctx context.Context, mux *stream.Mux) func(op model.Operation, res *model.OpResult) {
	return func(op model.Operation, res *model.OpResult) {
		switch res.Status {
		case model.OpFailed:
			// Recoverability follows the error classification: a
			// transient transport failure could succeed elsewhere, a
			// permanent one could not.
			data := stream.D{
				"op_id":       op.OpID,
				"source_id":   op.SourceID,
				"recoverable": res.Err != nil && res.Err.Retryable,
			}
			if res.Err != nil {
				data["code"] = res.Err.Code
				data["message"] = res.Err.Message
			}
			_ = mux.Emit(ctx, stream.EventError, data)
		case model.OpSkipped:
			_ = mux.Emit(ctx, stream.EventStatus, stream.D{
				"op_id":     op.OpID,
				"source_id": op.SourceID,
				"message":   "operation skipped: upstream failed",
			})
		case model.OpCancelled:
			_ = mux.Emit(ctx, stream.EventStatus, stream.D{
				"op_id":     op.OpID,
				"source_id": op.SourceID,
				"message":   "operation cancelled",
			})
		}
	}
}
