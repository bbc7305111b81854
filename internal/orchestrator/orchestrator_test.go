package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"crossquery.app/conductor/common/llm"
	"crossquery.app/conductor/internal/adapter"
	"crossquery.app/conductor/internal/aggregate"
	"crossquery.app/conductor/internal/classify"
	"crossquery.app/conductor/internal/execute"
	"crossquery.app/conductor/internal/model"
	"crossquery.app/conductor/internal/oerr"
	"crossquery.app/conductor/internal/orchestrator"
	"crossquery.app/conductor/internal/registry"
	"crossquery.app/conductor/internal/stream"
)

// stubLLM answers Chat with a canned structured-output document.
type stubLLM struct {
	payload string
	err     error
}

func (s *stubLLM) Chat(ctx context.Context, req llm.Request, result any) (*llm.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	if err := json.Unmarshal([]byte(s.payload), result); err != nil {
		return nil, err
	}
	return &llm.Response{}, nil
}

func (s *stubLLM) ChatStream(ctx context.Context, req llm.Request, onChunk func(string)) (*llm.Response, error) {
	return nil, errors.New("not implemented")
}

func (s *stubLLM) Model() string { return "stub" }

// fakeAdapter is a canned-response adapter with call counting.
type fakeAdapter struct {
	id           string
	native       string
	rows         []model.Row
	translateErr error
	execErr      error
	executeCalls int
}

func (f *fakeAdapter) SourceID() string               { return f.id }
func (f *fakeAdapter) Test(ctx context.Context) error { return nil }

func (f *fakeAdapter) Translate(ctx context.Context, question, hints string) (string, error) {
	if f.translateErr != nil {
		return "", f.translateErr
	}
	return f.native, nil
}

func (f *fakeAdapter) Execute(ctx context.Context, native string) (*adapter.Result, error) {
	f.executeCalls++
	if f.execErr != nil {
		return nil, f.execErr
	}
	return &adapter.Result{Rows: f.rows, Native: native}, nil
}

func (f *fakeAdapter) Introspect(ctx context.Context) (string, error) {
	return "tables: orders(id, total)", nil
}

func selection(ids ...string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = fmt.Sprintf("%q", id)
	}
	payload := "["
	for i, q := range quoted {
		if i > 0 {
			payload += ","
		}
		payload += q
	}
	payload += "]"
	return fmt.Sprintf(`{"source_ids": %s, "reasoning": "test", "confidence": 0.9}`, payload)
}

func eventTypes(events []stream.Event) []stream.EventType {
	out := make([]stream.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx       context.Context
		reg       *registry.Registry
		warehouse *fakeAdapter
		documents *fakeAdapter
		adapters  adapter.Set
		execOpts  execute.Options
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		reg, err = registry.New([]model.Source{
			{
				ID: "warehouse", Kind: model.SourceKindRelational, URI: "postgres://localhost/wh",
				Caps: []model.Capability{model.CapTranslateNL, model.CapIntrospect},
			},
			{
				ID: "documents", Kind: model.SourceKindDocument, URI: "http://localhost:8529",
				Caps: []model.Capability{model.CapTranslateNL},
			},
		})
		Expect(err).NotTo(HaveOccurred())

		warehouse = &fakeAdapter{
			id:     "warehouse",
			native: "SELECT count(*) FROM orders",
			rows:   []model.Row{{"count": model.IntValue(42)}},
		}
		documents = &fakeAdapter{
			id:     "documents",
			native: "FOR d IN reviews RETURN d",
			rows:   []model.Row{{"rating": model.IntValue(5)}},
		}
		adapters = adapter.Set{"warehouse": warehouse, "documents": documents}

		execOpts = execute.Options{
			MaxParallelism: 4,
			PerSourceRate:  1000,
			PerSourceBurst: 1000,
			MaxAttempts:    1,
			OpTimeout:      time.Second,
			GracePeriod:    100 * time.Millisecond,
		}
	})

	newOrch := func(classifierLLM llm.Client) *orchestrator.Orchestrator {
		return orchestrator.New(reg, adapters, classify.New(classifierLLM),
			aggregate.New(nil), nil, execOpts)
	}

	handle := func(o *orchestrator.Orchestrator, req orchestrator.Request) (*model.AggregatedResult, error, []stream.Event) {
		mux := stream.NewMux(req.SessionID, 256)
		result, err := o.Handle(ctx, req, mux)

		var events []stream.Event
		for ev := range mux.Events() {
			events = append(events, ev)
		}
		return result, err, events
	}

	request := func(flags model.Flags) orchestrator.Request {
		return orchestrator.Request{
			SessionID:  "sess-1",
			QuestionID: "q1",
			CallerID:   "caller-1",
			Question:   "how many orders last week?",
			Flags:      flags,
		}
	}

	It("runs a single-source question end to end", func() {
		o := newOrch(&stubLLM{payload: selection("warehouse")})

		result, err, events := handle(o, request(model.Flags{}))
		Expect(err).NotTo(HaveOccurred())

		Expect(result.Rows).To(HaveLen(1))
		Expect(result.Rows[0]["count"].Int).To(Equal(int64(42)))
		Expect(result.RepresentativeQuery).To(Equal("SELECT count(*) FROM orders"))
		Expect(result.Summary.CompletedOps).To(Equal(1))

		types := eventTypes(events)
		Expect(types[0]).To(Equal(stream.EventStatus))
		Expect(types).To(ContainElements(
			stream.EventClassifying,
			stream.EventDatabasesSelected,
			stream.EventPlanning,
			stream.EventPlanValidated,
			stream.EventQueryGenerating,
			stream.EventQueryValidating,
			stream.EventQueryExecuting,
			stream.EventAggregating,
			stream.EventAggregationComplete,
			stream.EventResultsReady,
		))

		// Exactly one complete event, and it is last.
		completes := 0
		for _, t := range types {
			if t == stream.EventComplete {
				completes++
			}
		}
		Expect(completes).To(Equal(1))
		Expect(types[len(types)-1]).To(Equal(stream.EventComplete))
		last := events[len(events)-1]
		Expect(last.SessionID).To(Equal("sess-1"))
		Expect(last.Data["success"]).To(Equal(true))
		Expect(last.Data).To(HaveKey("total_time_ms"))
	})

	It("stamps provenance on cross-source results", func() {
		o := newOrch(&stubLLM{payload: selection("warehouse", "documents")})

		result, err, _ := handle(o, request(model.Flags{}))
		Expect(err).NotTo(HaveOccurred())

		Expect(result.Rows).To(HaveLen(2))
		for _, row := range result.Rows {
			Expect(row).To(HaveKey(model.ProvenanceSourceKey))
			Expect(row).To(HaveKey(model.ProvenanceOpKey))
		}
		Expect(result.Rows[0][model.ProvenanceSourceKey].Str).To(Equal("warehouse"))
		Expect(result.Rows[1][model.ProvenanceSourceKey].Str).To(Equal("documents"))
	})

	It("returns the plan without executing on dry run", func() {
		o := newOrch(&stubLLM{payload: selection("warehouse")})

		result, err, events := handle(o, request(model.Flags{DryRun: true}))
		Expect(err).NotTo(HaveOccurred())

		Expect(result.PlanInfo).NotTo(BeNil())
		Expect(result.PlanInfo.Operations).To(HaveLen(1))
		Expect(result.Rows).To(BeEmpty())
		Expect(warehouse.executeCalls).To(BeZero())
		Expect(eventTypes(events)).NotTo(ContainElement(stream.EventQueryExecuting))
	})

	It("feeds introspected schema into translation", func() {
		o := newOrch(&stubLLM{payload: selection("warehouse")})

		result, err, events := handle(o, request(model.Flags{Introspect: true}))
		Expect(err).NotTo(HaveOccurred())

		Expect(result.Rows).To(HaveLen(1))
		types := eventTypes(events)
		Expect(types).To(ContainElements(stream.EventSchemaLoading, stream.EventSchemaChunks))
	})

	It("keeps surviving sources when one branch fails", func() {
		documents.execErr = oerr.Newf(oerr.KindAdapterPermanent, "syntax error near FOR")
		o := newOrch(&stubLLM{payload: selection("warehouse", "documents")})

		result, err, events := handle(o, request(model.Flags{}))
		Expect(err).NotTo(HaveOccurred())

		// With a single surviving source the result passes through unstamped.
		Expect(result.Rows).To(HaveLen(1))
		Expect(result.Rows[0]["count"].Int).To(Equal(int64(42)))
		Expect(result.Rows[0]).NotTo(HaveKey(model.ProvenanceSourceKey))
		Expect(result.Summary.CompletedOps).To(Equal(1))
		Expect(result.Summary.FailedOps).To(Equal(1))

		// A permanent adapter failure is reported as unrecoverable.
		var opError *stream.Event
		for i, ev := range events {
			if ev.Type == stream.EventError {
				opError = &events[i]
			}
		}
		Expect(opError).NotTo(BeNil())
		Expect(opError.Data["code"]).To(Equal(string(oerr.KindAdapterPermanent)))
		Expect(opError.Data["recoverable"]).To(Equal(false))
		Expect(events[len(events)-1].Data["success"]).To(Equal(true))
	})

	It("marks a transient branch failure recoverable", func() {
		documents.execErr = oerr.Newf(oerr.KindAdapterTransport, "connection reset")
		o := newOrch(&stubLLM{payload: selection("warehouse", "documents")})

		_, err, events := handle(o, request(model.Flags{}))
		Expect(err).NotTo(HaveOccurred())

		var opError *stream.Event
		for i, ev := range events {
			if ev.Type == stream.EventError {
				opError = &events[i]
			}
		}
		Expect(opError).NotTo(BeNil())
		Expect(opError.Data["code"]).To(Equal(string(oerr.KindAdapterTransport)))
		Expect(opError.Data["recoverable"]).To(Equal(true))
	})

	It("fails the stream when every branch fails", func() {
		warehouse.execErr = errors.New("connection refused")
		documents.execErr = errors.New("connection refused")
		o := newOrch(&stubLLM{payload: selection("warehouse", "documents")})

		result, err, events := handle(o, request(model.Flags{}))
		Expect(err).To(HaveOccurred())
		Expect(result).To(BeNil())

		last := events[len(events)-1]
		Expect(last.Type).To(Equal(stream.EventComplete))
		Expect(last.Data["success"]).To(Equal(false))
		Expect(last.Data["error"]).To(HaveKey("code"))

		// A terminal error event precedes the complete.
		Expect(events[len(events)-2].Type).To(Equal(stream.EventError))
		Expect(events[len(events)-2].Data["recoverable"]).To(Equal(false))
	})

	It("surfaces classifier fallback as a recoverable error", func() {
		o := newOrch(&stubLLM{err: errors.New("rate limited")})

		result, err, events := handle(o, request(model.Flags{}))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Rows).To(HaveLen(1))

		var fellBack bool
		for _, ev := range events {
			if ev.Type == stream.EventDatabasesSelected {
				fellBack = ev.Data["fell_back"] == true
			}
		}
		Expect(fellBack).To(BeTrue())
	})

	It("answers an empty selection with an empty result", func() {
		o := newOrch(&stubLLM{payload: selection()})

		result, err, events := handle(o, request(model.Flags{}))
		Expect(err).NotTo(HaveOccurred())

		Expect(result.Rows).To(BeEmpty())
		Expect(events[len(events)-1].Data["success"]).To(Equal(true))
	})
})
