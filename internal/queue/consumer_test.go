package queue

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"crossquery.app/conductor/internal/model"
)

var _ = Describe("ParseMessage", func() {
	It("parses a full job message", func() {
		msg, err := ParseMessage(redis.XMessage{
			ID: "1700000000000-0",
			Values: map[string]any{
				"session_id": "sess-1",
				"caller_id":  "caller-1",
				"question":   "how many orders last week?",
				"flags":      `{"analyze": true, "optimize": true}`,
				"attempt":    "2",
				"trace_id":   "4bf92f3577b34da6a3ce929d0e0e4736",
			},
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(msg.ID).To(Equal("1700000000000-0"))
		Expect(msg.SessionID).To(Equal("sess-1"))
		Expect(msg.CallerID).To(Equal("caller-1"))
		Expect(msg.Question).To(Equal("how many orders last week?"))
		Expect(msg.Flags.Analyze).To(BeTrue())
		Expect(msg.Flags.Optimize).To(BeTrue())
		Expect(msg.Attempt).To(Equal(2))
		Expect(msg.TraceID).To(Equal("4bf92f3577b34da6a3ce929d0e0e4736"))
	})

	It("defaults attempt to 1 and trace to empty", func() {
		msg, err := ParseMessage(redis.XMessage{
			ID: "1-0",
			Values: map[string]any{
				"session_id": "sess-1",
				"caller_id":  "caller-1",
				"question":   "q",
			},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Attempt).To(Equal(1))
		Expect(msg.TraceID).To(BeEmpty())
	})

	It("rejects messages missing required fields", func() {
		_, err := ParseMessage(redis.XMessage{
			ID:     "1-0",
			Values: map[string]any{"caller_id": "caller-1", "question": "q"},
		})
		Expect(err).To(MatchError(ContainSubstring("session_id")))
	})

	It("rejects malformed flags", func() {
		_, err := ParseMessage(redis.XMessage{
			ID: "1-0",
			Values: map[string]any{
				"session_id": "sess-1",
				"caller_id":  "caller-1",
				"question":   "q",
				"flags":      "not-json",
			},
		})
		Expect(err).To(MatchError(ContainSubstring("flags")))
	})

	It("rejects a non-numeric attempt", func() {
		_, err := ParseMessage(redis.XMessage{
			ID: "1-0",
			Values: map[string]any{
				"session_id": "sess-1",
				"caller_id":  "caller-1",
				"question":   "q",
				"attempt":    "soon",
			},
		})
		Expect(err).To(MatchError(ContainSubstring("attempt")))
	})

	It("round-trips through messageValues", func() {
		orig := Message{
			SessionID: "sess-1",
			CallerID:  "caller-1",
			Question:  "q",
			Flags:     model.Flags{DryRun: true},
			TraceID:   "abc123",
		}

		parsed, err := ParseMessage(redis.XMessage{
			ID:     "2-0",
			Values: messageValues(orig, 3),
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(parsed.SessionID).To(Equal(orig.SessionID))
		Expect(parsed.CallerID).To(Equal(orig.CallerID))
		Expect(parsed.Flags.DryRun).To(BeTrue())
		Expect(parsed.Attempt).To(Equal(3))
		Expect(parsed.TraceID).To(Equal("abc123"))
	})
})
