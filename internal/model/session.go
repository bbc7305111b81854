package model

import "time"

// SessionStatus is the lifecycle state of an orchestration session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// TraceEntry is one recorded stream event in a session's operation trace.
type TraceEntry struct {
	Type    string         `json:"type"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Session is the persisted per-request state. Owned by the store;
// mutated only through store methods.
type Session struct {
	SessionID   string            `json:"session_id"`
	CallerID    string            `json:"caller_id"`
	Question    string            `json:"question"`
	Flags       Flags             `json:"flags"`
	Status      SessionStatus     `json:"status"`
	Trace       []TraceEntry      `json:"operation_trace,omitempty"`
	FinalResult *AggregatedResult `json:"final_result,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// SessionSummary is the listing shape (no trace, no result payload).
type SessionSummary struct {
	SessionID string        `json:"session_id"`
	Question  string        `json:"question"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}
