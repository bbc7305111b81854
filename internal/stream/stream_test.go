package stream_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"crossquery.app/conductor/internal/model"
	"crossquery.app/conductor/internal/stream"
)

func drain(m *stream.Mux) []stream.Event {
	var events []stream.Event
	for ev := range m.Events() {
		events = append(events, ev)
	}
	return events
}

var _ = Describe("Mux", func() {
	It("delivers events in emit order with complete last", func() {
		m := stream.NewMux("sess-1", 8)

		Expect(m.Emit(context.Background(), stream.EventStatus, stream.D{"state": "started"})).To(Succeed())
		Expect(m.Emit(context.Background(), stream.EventClassifying, nil)).To(Succeed())
		m.Complete(stream.D{"success": true})

		events := drain(m)
		Expect(events).To(HaveLen(3))
		Expect(events[0].Type).To(Equal(stream.EventStatus))
		Expect(events[1].Type).To(Equal(stream.EventClassifying))
		Expect(events[2].Type).To(Equal(stream.EventComplete))
		Expect(events[2].Data["success"]).To(Equal(true))
	})

	It("stamps the session id and a timestamp on every event", func() {
		m := stream.NewMux("sess-9", 4)

		Expect(m.Emit(context.Background(), stream.EventStatus, nil)).To(Succeed())
		m.Complete(nil)

		for _, ev := range drain(m) {
			Expect(ev.SessionID).To(Equal("sess-9"))
			Expect(ev.At).NotTo(BeZero())
		}
	})

	It("closes the channel after the complete event", func() {
		m := stream.NewMux("sess-1", 1)
		m.Complete(nil)

		<-m.Events()
		_, open := <-m.Events()
		Expect(open).To(BeFalse())
	})

	It("ignores emits after completion", func() {
		m := stream.NewMux("sess-1", 4)
		m.Complete(nil)

		Expect(m.Emit(context.Background(), stream.EventStatus, nil)).To(Succeed())
		Expect(drain(m)).To(HaveLen(1))
	})

	It("only completes once", func() {
		m := stream.NewMux("sess-1", 4)
		m.Complete(stream.D{"n": 1})
		m.Complete(stream.D{"n": 2})

		events := drain(m)
		Expect(events).To(HaveLen(1))
		Expect(events[0].Data["n"]).To(Equal(1))
	})

	It("rejects a complete event through Emit", func() {
		m := stream.NewMux("sess-1", 4)
		Expect(m.Emit(context.Background(), stream.EventComplete, nil)).To(HaveOccurred())
	})

	It("unblocks a full-buffer emit on context cancellation", func() {
		m := stream.NewMux("sess-1", 1)
		Expect(m.Emit(context.Background(), stream.EventStatus, nil)).To(Succeed())

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := m.Emit(ctx, stream.EventStatus, nil)
		Expect(err).To(MatchError(context.DeadlineExceeded))
	})
})

var _ = Describe("RowsPayload", func() {
	It("converts values to their JSON-primitive forms", func() {
		ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
		rows := []model.Row{{
			"name":  model.StringValue("alpha"),
			"count": model.IntValue(7),
			"seen":  model.TimeValue(ts),
			"blob":  model.BytesValue([]byte{0x01, 0x02}),
			"gone":  model.Null(),
		}}

		out := stream.RowsPayload(rows)
		Expect(out).To(HaveLen(1))
		Expect(out[0]["name"]).To(Equal("alpha"))
		Expect(out[0]["count"]).To(Equal(int64(7)))
		Expect(out[0]["seen"]).To(Equal("2026-03-14T09:26:53Z"))
		Expect(out[0]["blob"]).To(Equal("AQI="))
		Expect(out[0]["gone"]).To(BeNil())
	})
})

var _ = Describe("Record", func() {
	It("keeps event order and elides bulky payloads", func() {
		m := stream.NewMux("sess-1", 8)
		Expect(m.Emit(context.Background(), stream.EventStatus, stream.D{"state": "started"})).To(Succeed())
		Expect(m.Emit(context.Background(), stream.EventPartialResults, stream.D{"rows": []any{"big"}})).To(Succeed())
		Expect(m.Emit(context.Background(), stream.EventAnalysisChunk, stream.D{"text": "chunk"})).To(Succeed())
		m.Complete(stream.D{"success": true})

		trace := stream.Record(m.Events())
		Expect(trace).To(HaveLen(4))
		Expect(trace[0].Type).To(Equal("status"))
		Expect(trace[0].Payload["state"]).To(Equal("started"))
		Expect(trace[1].Payload).To(Equal(map[string]any{"elided": true}))
		Expect(trace[2].Payload).To(Equal(map[string]any{"elided": true}))
		Expect(trace[3].Type).To(Equal("complete"))
	})
})
