package stream

import (
	"crossquery.app/conductor/internal/model"
)

// Record drains an event channel into session trace entries. Used on
// the async path, where no live consumer is attached and the trace is
// what the caller later fetches.
func Record(events <-chan Event) []model.TraceEntry {
	var trace []model.TraceEntry
	for ev := range events {
		// Bulky row payloads stay out of the trace; the final result is
		// stored separately on the session.
		payload := ev.Data
		if ev.Type == EventPartialResults || ev.Type == EventAnalysisChunk {
			payload = D{"elided": true}
		}
		trace = append(trace, model.TraceEntry{
			Type:    string(ev.Type),
			At:      ev.At,
			Payload: payload,
		})
	}
	return trace
}
