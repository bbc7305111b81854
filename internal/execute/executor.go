// Package execute runs a validated plan's operations concurrently. A
// single scheduling loop owns all state; workers only invoke and report
// back, so no operation state is ever shared between goroutines.
package execute

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"crossquery.app/conductor/common/logger"
	"crossquery.app/conductor/internal/model"
	"crossquery.app/conductor/internal/oerr"
)

const (
	backoffBase = 200 * time.Millisecond
	backoffCap  = 5 * time.Second
)

// Invoker performs the adapter-native work of one operation. The
// executor schedules; the invoker knows what each op kind means.
type Invoker interface {
	Invoke(ctx context.Context, op model.Operation, deps map[string]*model.OpResult) (*Output, error)
}

// Output is what a successful invocation produced.
type Output struct {
	Rows        []model.Row
	NativeQuery string
}

// Options tune the executor. Zero values fall back to defaults.
type Options struct {
	MaxParallelism int
	PerSourceRate  float64 // ops per second per source
	PerSourceBurst int
	MaxAttempts    int
	OpTimeout      time.Duration
	GracePeriod    time.Duration
	FailFast       bool

	// OnUpdate is called from the scheduling loop whenever an operation
	// changes status. The result must not be retained across calls.
	OnUpdate func(op model.Operation, res *model.OpResult)
}

func (o Options) withDefaults() Options {
	if o.MaxParallelism <= 0 {
		o.MaxParallelism = 8
	}
	if o.PerSourceRate <= 0 {
		o.PerSourceRate = 4
	}
	if o.PerSourceBurst <= 0 {
		o.PerSourceBurst = 2
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 60 * time.Second
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 2 * time.Second
	}
	return o
}

type Executor struct {
	invoker Invoker
	opts    Options
}

func New(invoker Invoker, opts Options) *Executor {
	return &Executor{invoker: invoker, opts: opts.withDefaults()}
}

// Run executes the plan to quiescence and returns every operation's
// result keyed by op id. Run never returns early on operation failure;
// failed branches are skipped and independent branches keep going
// (unless FailFast is set). Cancellation of ctx stops dispatch, gives
// in-flight work the grace period, then marks the remainder cancelled.
func (e *Executor) Run(ctx context.Context, p model.Plan) (map[string]*model.OpResult, *model.ExecutionSummary) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		PlanID:    logger.Ptr(p.PlanID),
		Component: "conductor.execute",
	})

	start := time.Now()
	s := newSchedule(p, e.opts)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered for every operation so a worker returning after the
	// grace period can still send its result and exit; the stray
	// completion is simply never read.
	done := make(chan *model.OpResult, len(p.Operations))
	cancelled := false

loop:
	for s.pendingWork() {
		// Dispatch everything ready while worker slots remain.
		for !cancelled && s.inflight < e.opts.MaxParallelism {
			op, ok := s.nextReady()
			if !ok {
				break
			}
			res := s.results[op.OpID]
			res.Status = model.OpRunning
			res.StartedAt = time.Now()
			s.inflight++
			e.notify(op, res)

			go e.runOp(runCtx, op, s.depResults(op), s.limiterFor(op.SourceID), done)
		}

		if s.inflight == 0 {
			// Nothing running and nothing dispatchable: remaining ops are
			// unreachable (their upstreams failed or were pruned).
			break
		}

		select {
		case res := <-done:
			s.inflight--
			s.finish(res)
			op, _ := p.Op(res.OpID)
			e.notify(op, res)

			if res.Status == model.OpFailed {
				skipped := s.skipDependents(res.OpID)
				for _, skippedID := range skipped {
					sop, _ := p.Op(skippedID)
					e.notify(sop, s.results[skippedID])
				}
				if e.opts.FailFast && !cancelled {
					cancelled = true
					cancel()
				}
			}
		case <-ctx.Done():
			cancelled = true
			cancel()
			break loop
		}
	}

	if cancelled {
		e.drain(ctx, s, done)
	}
	s.cancelRemaining(e.notifyFn(p))

	summary := s.summary(time.Since(start))
	slog.InfoContext(ctx, "plan execution finished",
		"total", summary.TotalOps,
		"completed", summary.CompletedOps,
		"failed", summary.FailedOps,
		"skipped", summary.SkippedOps,
		"cancelled", summary.CancelledOps,
		"wall_time_ms", summary.WallTimeMS)

	return s.results, summary
}

// drain waits out the grace period for in-flight workers after a
// cancellation so partial results can still be recorded.
func (e *Executor) drain(ctx context.Context, s *schedule, done chan *model.OpResult) {
	timer := time.NewTimer(e.opts.GracePeriod)
	defer timer.Stop()

	for s.inflight > 0 {
		select {
		case res := <-done:
			s.inflight--
			s.finish(res)
		case <-timer.C:
			slog.WarnContext(ctx, "grace period elapsed with operations still in flight",
				"inflight", s.inflight)
			return
		}
	}
}

// runOp is the worker body: rate-limit, invoke with a per-attempt
// timeout, retry transient failures with full-jitter backoff.
func (e *Executor) runOp(ctx context.Context, op model.Operation, deps map[string]*model.OpResult, limiter *rate.Limiter, done chan<- *model.OpResult) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		OpID:     logger.Ptr(op.OpID),
		SourceID: logger.Ptr(op.SourceID),
	})

	res := &model.OpResult{
		OpID:      op.OpID,
		SourceID:  op.SourceID,
		StartedAt: time.Now(),
	}

	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		res.Attempts = attempt

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}

		opCtx, cancel := context.WithTimeout(ctx, e.opts.OpTimeout)
		out, err := e.invoker.Invoke(opCtx, op, deps)
		cancel()

		if err == nil {
			res.Status = model.OpCompleted
			res.Rows = out.Rows
			res.NativeQuery = out.NativeQuery
			res.EndedAt = time.Now()
			done <- res
			return
		}
		lastErr = err

		if ctx.Err() != nil || !oerr.Retryable(err) || attempt == e.opts.MaxAttempts {
			break
		}

		// Backoff runs inside the worker: a retrying operation holds
		// its slot and stays RUNNING until it resolves.
		delay := backoff(attempt)
		slog.WarnContext(ctx, "operation attempt failed, retrying",
			"attempt", attempt,
			"delay_ms", delay.Milliseconds(),
			"error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}

	res.EndedAt = time.Now()
	// Timeouts degrade to cancellation: a deadline expiry is the
	// scheduler reclaiming the operation, not the adapter failing it.
	kind := oerr.KindOf(lastErr)
	if ctx.Err() != nil || kind == oerr.KindTimeout || kind == oerr.KindCancelled {
		res.Status = model.OpCancelled
	} else {
		res.Status = model.OpFailed
	}
	res.Err = &model.OpError{
		Code:      string(oerr.KindOf(lastErr)),
		Message:   lastErr.Error(),
		Retryable: oerr.Retryable(lastErr),
	}
	done <- res
}

// backoff is full jitter: uniform over (0, min(cap, base*2^attempt)).
func backoff(attempt int) time.Duration {
	ceiling := backoffBase << uint(attempt)
	if ceiling > backoffCap {
		ceiling = backoffCap
	}
	return time.Duration(rand.Int63n(int64(ceiling)))
}

func (e *Executor) notify(op model.Operation, res *model.OpResult) {
	if e.opts.OnUpdate != nil {
		e.opts.OnUpdate(op, res)
	}
}

func (e *Executor) notifyFn(p model.Plan) func(opID string, res *model.OpResult) {
	return func(opID string, res *model.OpResult) {
		op, _ := p.Op(opID)
		e.notify(op, res)
	}
}
