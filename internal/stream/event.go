// Package stream carries progress events from the orchestration
// pipeline to callers. All producers feed one ordered channel per
// request; the transport (SSE, trace recorder) drains it.
package stream

import (
	"time"

	"crossquery.app/conductor/internal/model"
)

type EventType string

const (
	EventStatus              EventType = "status"
	EventClassifying         EventType = "classifying"
	EventDatabasesSelected   EventType = "databases_selected"
	EventPlanning            EventType = "planning"
	EventPlanValidated       EventType = "plan_validated"
	EventPlanOptimization    EventType = "plan_optimization"
	EventSchemaLoading       EventType = "schema_loading"
	EventSchemaChunks        EventType = "schema_chunks"
	EventQueryGenerating     EventType = "query_generating"
	EventQueryValidating     EventType = "query_validating"
	EventQueryExecuting      EventType = "query_executing"
	EventPartialResults      EventType = "partial_results"
	EventResultsReady        EventType = "results_ready"
	EventAggregating         EventType = "aggregating"
	EventAggregationComplete EventType = "aggregation_complete"
	EventAnalysisGenerating  EventType = "analysis_generating"
	EventAnalysisChunk       EventType = "analysis_chunk"
	EventAnalysisComplete    EventType = "analysis_complete"
	EventError               EventType = "error"
	EventComplete            EventType = "complete"
)

// Event is one progress message. The mux stamps the session id on
// every event; Data holds only JSON-primitive values so every
// transport serializes it identically.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	At        time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// D is shorthand for event payloads.
type D = map[string]any

// RowsPayload converts rows to their JSON-primitive form for event
// payloads: timestamps become RFC 3339 strings, bytes become base64.
func RowsPayload(rows []model.Row) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		m := make(map[string]any, len(row))
		for k, v := range row {
			m[k] = v.Primitive()
		}
		out[i] = m
	}
	return out
}
