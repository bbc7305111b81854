package model

import "time"

// OpStatus is an operation's position in its lifecycle.
type OpStatus string

const (
	OpPending   OpStatus = "pending"
	OpReady     OpStatus = "ready"
	OpRunning   OpStatus = "running"
	OpCompleted OpStatus = "completed"
	OpFailed    OpStatus = "failed"
	OpSkipped   OpStatus = "skipped"
	OpCancelled OpStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s OpStatus) Terminal() bool {
	switch s {
	case OpCompleted, OpFailed, OpSkipped, OpCancelled:
		return true
	}
	return false
}

// OpError captures a failed operation's classified error.
type OpError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// OpResult is the outcome of a single operation. Owned by the executor
// while running; read by the aggregator after completion.
type OpResult struct {
	OpID        string    `json:"op_id"`
	SourceID    string    `json:"source_id"`
	Status      OpStatus  `json:"status"`
	Rows        []Row     `json:"rows,omitempty"`
	NativeQuery string    `json:"native_query,omitempty"`
	Err         *OpError  `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	EndedAt     time.Time `json:"ended_at,omitempty"`
	Attempts    int       `json:"attempts"`
}

// OpSummary is the per-operation slice of the execution summary.
type OpSummary struct {
	SourceID   string   `json:"source_id"`
	Status     OpStatus `json:"status"`
	Rows       int      `json:"rows"`
	DurationMS int64    `json:"duration_ms"`
	Attempts   int      `json:"attempts"`
	Error      string   `json:"error,omitempty"`
}

// ExecutionSummary aggregates per-operation outcomes.
type ExecutionSummary struct {
	TotalOps     int                  `json:"total_ops"`
	CompletedOps int                  `json:"completed_ops"`
	FailedOps    int                  `json:"failed_ops"`
	SkippedOps   int                  `json:"skipped_ops"`
	CancelledOps int                  `json:"cancelled_ops"`
	WallTimeMS   int64                `json:"wall_time_ms"`
	PerOp        map[string]OpSummary `json:"per_op"`
}

// AggregatedResult is the merged response shape.
type AggregatedResult struct {
	Rows                []Row            `json:"rows"`
	RepresentativeQuery string           `json:"representative_query_text"`
	Analysis            string           `json:"analysis,omitempty"`
	Summary             ExecutionSummary `json:"execution_summary"`
	PlanInfo            *Plan            `json:"plan_info,omitempty"`
}
