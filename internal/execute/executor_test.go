package execute_test

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"crossquery.app/conductor/internal/execute"
	"crossquery.app/conductor/internal/model"
	"crossquery.app/conductor/internal/oerr"
)

// stubInvoker runs a per-op function and records invocation order.
type stubInvoker struct {
	mu    sync.Mutex
	calls []string
	fns   map[string]func(ctx context.Context, deps map[string]*model.OpResult) (*execute.Output, error)
}

func newStubInvoker() *stubInvoker {
	return &stubInvoker{fns: make(map[string]func(context.Context, map[string]*model.OpResult) (*execute.Output, error))}
}

func (s *stubInvoker) on(opID string, fn func(context.Context, map[string]*model.OpResult) (*execute.Output, error)) {
	s.fns[opID] = fn
}

func (s *stubInvoker) Invoke(ctx context.Context, op model.Operation, deps map[string]*model.OpResult) (*execute.Output, error) {
	s.mu.Lock()
	s.calls = append(s.calls, op.OpID)
	s.mu.Unlock()

	if fn, ok := s.fns[op.OpID]; ok {
		return fn(ctx, deps)
	}
	return &execute.Output{}, nil
}

func (s *stubInvoker) callOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func opIndex(order []string, opID string) int {
	for i, id := range order {
		if id == opID {
			return i
		}
	}
	return -1
}

func linearPlan(ops ...model.Operation) model.Plan {
	return model.Plan{PlanID: "p1", QuestionID: "q1", Operations: ops}
}

var fastOpts = execute.Options{
	MaxParallelism: 4,
	PerSourceRate:  1000,
	PerSourceBurst: 1000,
	MaxAttempts:    3,
	OpTimeout:      time.Second,
	GracePeriod:    200 * time.Millisecond,
}

var _ = Describe("Executor", func() {
	It("completes independent operations and reports a summary", func() {
		inv := newStubInvoker()
		inv.on("a", func(context.Context, map[string]*model.OpResult) (*execute.Output, error) {
			return &execute.Output{Rows: []model.Row{{"n": model.IntValue(1)}}, NativeQuery: "SELECT 1"}, nil
		})

		p := linearPlan(
			model.Operation{OpID: "a", SourceID: "s1", Kind: model.OpKindTranslateExecute},
			model.Operation{OpID: "b", SourceID: "s2", Kind: model.OpKindTranslateExecute},
		)

		results, summary := execute.New(inv, fastOpts).Run(context.Background(), p)

		Expect(results["a"].Status).To(Equal(model.OpCompleted))
		Expect(results["a"].Rows).To(HaveLen(1))
		Expect(results["a"].NativeQuery).To(Equal("SELECT 1"))
		Expect(results["b"].Status).To(Equal(model.OpCompleted))
		Expect(summary.TotalOps).To(Equal(2))
		Expect(summary.CompletedOps).To(Equal(2))
	})

	It("never starts an operation before its dependencies complete", func() {
		inv := newStubInvoker()
		inv.on("a", func(context.Context, map[string]*model.OpResult) (*execute.Output, error) {
			time.Sleep(50 * time.Millisecond)
			return &execute.Output{Rows: []model.Row{{"k": model.StringValue("v")}}}, nil
		})
		inv.on("b", func(_ context.Context, deps map[string]*model.OpResult) (*execute.Output, error) {
			// The dependency's rows must be visible here.
			Expect(deps).To(HaveKey("a"))
			Expect(deps["a"].Status).To(Equal(model.OpCompleted))
			Expect(deps["a"].Rows).To(HaveLen(1))
			return &execute.Output{}, nil
		})

		p := linearPlan(
			model.Operation{OpID: "a", SourceID: "s1", Kind: model.OpKindTranslateExecute},
			model.Operation{OpID: "b", SourceID: "s2", Kind: model.OpKindTranslateExecute, DependsOn: []string{"a"}},
		)

		results, _ := execute.New(inv, fastOpts).Run(context.Background(), p)

		Expect(results["b"].Status).To(Equal(model.OpCompleted))
		order := inv.callOrder()
		Expect(opIndex(order, "a")).To(BeNumerically("<", opIndex(order, "b")))
	})

	It("dispatches equally ready operations in plan order", func() {
		inv := newStubInvoker()
		opts := fastOpts
		opts.MaxParallelism = 1

		p := linearPlan(
			model.Operation{OpID: "first", SourceID: "s1", Kind: model.OpKindTranslateExecute},
			model.Operation{OpID: "second", SourceID: "s2", Kind: model.OpKindTranslateExecute},
			model.Operation{OpID: "third", SourceID: "s3", Kind: model.OpKindTranslateExecute},
		)

		execute.New(inv, opts).Run(context.Background(), p)

		Expect(inv.callOrder()).To(Equal([]string{"first", "second", "third"}))
	})

	It("retries transport errors with a capped attempt count", func() {
		inv := newStubInvoker()
		attempts := 0
		inv.on("a", func(context.Context, map[string]*model.OpResult) (*execute.Output, error) {
			attempts++
			if attempts < 3 {
				return nil, oerr.Newf(oerr.KindAdapterTransport, "connection reset")
			}
			return &execute.Output{}, nil
		})

		p := linearPlan(model.Operation{OpID: "a", SourceID: "s1", Kind: model.OpKindTranslateExecute})
		results, _ := execute.New(inv, fastOpts).Run(context.Background(), p)

		Expect(results["a"].Status).To(Equal(model.OpCompleted))
		Expect(results["a"].Attempts).To(Equal(3))
	})

	It("fails after exhausting the attempt budget", func() {
		inv := newStubInvoker()
		inv.on("a", func(context.Context, map[string]*model.OpResult) (*execute.Output, error) {
			return nil, oerr.Newf(oerr.KindAdapterTransport, "still down")
		})

		p := linearPlan(model.Operation{OpID: "a", SourceID: "s1", Kind: model.OpKindTranslateExecute})
		results, summary := execute.New(inv, fastOpts).Run(context.Background(), p)

		Expect(results["a"].Status).To(Equal(model.OpFailed))
		Expect(results["a"].Attempts).To(Equal(3))
		Expect(results["a"].Err.Code).To(Equal(string(oerr.KindAdapterTransport)))
		Expect(results["a"].Err.Retryable).To(BeTrue())
		Expect(summary.FailedOps).To(Equal(1))
	})

	It("does not retry permanent errors", func() {
		inv := newStubInvoker()
		inv.on("a", func(context.Context, map[string]*model.OpResult) (*execute.Output, error) {
			return nil, oerr.Newf(oerr.KindAdapterPermanent, "bad query")
		})

		p := linearPlan(model.Operation{OpID: "a", SourceID: "s1", Kind: model.OpKindTranslateExecute})
		results, _ := execute.New(inv, fastOpts).Run(context.Background(), p)

		Expect(results["a"].Status).To(Equal(model.OpFailed))
		Expect(results["a"].Attempts).To(Equal(1))
		Expect(results["a"].Err.Retryable).To(BeFalse())
	})

	It("skips transitive dependents of a failed operation but runs independent branches", func() {
		inv := newStubInvoker()
		inv.on("bad", func(context.Context, map[string]*model.OpResult) (*execute.Output, error) {
			return nil, oerr.Newf(oerr.KindAdapterPermanent, "boom")
		})

		p := linearPlan(
			model.Operation{OpID: "bad", SourceID: "s1", Kind: model.OpKindTranslateExecute},
			model.Operation{OpID: "child", SourceID: "s1", Kind: model.OpKindTranslateExecute, DependsOn: []string{"bad"}},
			model.Operation{OpID: "grandchild", SourceID: "s1", Kind: model.OpKindTranslateExecute, DependsOn: []string{"child"}},
			model.Operation{OpID: "independent", SourceID: "s2", Kind: model.OpKindTranslateExecute},
		)

		results, summary := execute.New(inv, fastOpts).Run(context.Background(), p)

		Expect(results["bad"].Status).To(Equal(model.OpFailed))
		Expect(results["child"].Status).To(Equal(model.OpSkipped))
		Expect(results["grandchild"].Status).To(Equal(model.OpSkipped))
		Expect(results["independent"].Status).To(Equal(model.OpCompleted))
		Expect(summary.SkippedOps).To(Equal(2))
		Expect(opIndex(inv.callOrder(), "child")).To(Equal(-1))
	})

	It("stops dispatching when fail-fast is set", func() {
		inv := newStubInvoker()
		opts := fastOpts
		opts.MaxParallelism = 1
		opts.FailFast = true
		inv.on("a", func(context.Context, map[string]*model.OpResult) (*execute.Output, error) {
			return nil, oerr.Newf(oerr.KindAdapterPermanent, "boom")
		})

		p := linearPlan(
			model.Operation{OpID: "a", SourceID: "s1", Kind: model.OpKindTranslateExecute},
			model.Operation{OpID: "b", SourceID: "s2", Kind: model.OpKindTranslateExecute},
		)

		results, summary := execute.New(inv, opts).Run(context.Background(), p)

		Expect(results["a"].Status).To(Equal(model.OpFailed))
		Expect(results["b"].Status).To(Equal(model.OpCancelled))
		Expect(summary.CancelledOps).To(Equal(1))
	})

	It("degrades a per-operation timeout to cancellation", func() {
		inv := newStubInvoker()
		opts := fastOpts
		opts.OpTimeout = 30 * time.Millisecond
		opts.MaxAttempts = 1
		inv.on("slow", func(ctx context.Context, _ map[string]*model.OpResult) (*execute.Output, error) {
			select {
			case <-time.After(time.Second):
				return &execute.Output{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})

		p := linearPlan(
			model.Operation{OpID: "slow", SourceID: "s1", Kind: model.OpKindTranslateExecute},
			model.Operation{OpID: "after", SourceID: "s1", Kind: model.OpKindTranslateExecute, DependsOn: []string{"slow"}},
		)
		results, summary := execute.New(inv, opts).Run(context.Background(), p)

		Expect(results["slow"].Status).To(Equal(model.OpCancelled))
		Expect(results["slow"].Err.Code).To(Equal(string(oerr.KindTimeout)))
		Expect(results["after"].Status).To(Equal(model.OpCancelled))
		Expect(summary.CancelledOps).To(Equal(2))
	})

	It("lets a worker ignoring cancellation finish after the grace period", func() {
		inv := newStubInvoker()
		release := make(chan struct{})
		inv.on("stuck", func(context.Context, map[string]*model.OpResult) (*execute.Output, error) {
			<-release
			return &execute.Output{}, nil
		})

		opts := fastOpts
		opts.GracePeriod = 20 * time.Millisecond

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		before := runtime.NumGoroutine()
		p := linearPlan(model.Operation{OpID: "stuck", SourceID: "s1", Kind: model.OpKindTranslateExecute})
		results, _ := execute.New(inv, opts).Run(ctx, p)

		Expect(results["stuck"].Status).To(Equal(model.OpCancelled))

		// The abandoned worker must still be able to report and exit.
		close(release)
		Eventually(runtime.NumGoroutine, time.Second, 10*time.Millisecond).
			Should(BeNumerically("<=", before))
	})

	It("cancels in-flight and pending work when the context is cancelled", func() {
		inv := newStubInvoker()
		started := make(chan struct{})
		inv.on("running", func(ctx context.Context, _ map[string]*model.OpResult) (*execute.Output, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-started
			cancel()
		}()

		opts := fastOpts
		opts.MaxParallelism = 1

		p := linearPlan(
			model.Operation{OpID: "running", SourceID: "s1", Kind: model.OpKindTranslateExecute},
			model.Operation{OpID: "queued", SourceID: "s2", Kind: model.OpKindTranslateExecute},
		)

		results, summary := execute.New(inv, opts).Run(ctx, p)

		Expect(results["running"].Status).To(Equal(model.OpCancelled))
		Expect(results["queued"].Status).To(Equal(model.OpCancelled))
		Expect(summary.CancelledOps).To(Equal(2))
	})

	It("reports status transitions through OnUpdate", func() {
		inv := newStubInvoker()

		var mu sync.Mutex
		var transitions []model.OpStatus
		opts := fastOpts
		opts.OnUpdate = func(op model.Operation, res *model.OpResult) {
			mu.Lock()
			transitions = append(transitions, res.Status)
			mu.Unlock()
		}

		p := linearPlan(model.Operation{OpID: "a", SourceID: "s1", Kind: model.OpKindTranslateExecute})
		execute.New(inv, opts).Run(context.Background(), p)

		mu.Lock()
		defer mu.Unlock()
		Expect(transitions).To(Equal([]model.OpStatus{model.OpRunning, model.OpCompleted}))
	})

	It("treats unclassified errors as non-retryable", func() {
		inv := newStubInvoker()
		inv.on("a", func(context.Context, map[string]*model.OpResult) (*execute.Output, error) {
			return nil, errors.New("mystery")
		})

		p := linearPlan(model.Operation{OpID: "a", SourceID: "s1", Kind: model.OpKindTranslateExecute})
		results, _ := execute.New(inv, fastOpts).Run(context.Background(), p)

		Expect(results["a"].Status).To(Equal(model.OpFailed))
		Expect(results["a"].Attempts).To(Equal(1))
		Expect(results["a"].Err.Code).To(Equal(string(oerr.KindUnknown)))
	})
})
