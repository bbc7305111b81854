package model

import "time"

// Flags are the per-request behavior switches.
type Flags struct {
	Analyze          bool `json:"analyze,omitempty"`
	Optimize         bool `json:"optimize,omitempty"`
	SaveSession      bool `json:"save_session,omitempty"`
	DryRun           bool `json:"dry_run,omitempty"`
	FailFast         bool `json:"fail_fast,omitempty"`
	ForceCrossSource bool `json:"force_cross_source,omitempty"`
	Introspect       bool `json:"introspect,omitempty"`
}

// Question is the raw caller text plus metadata. Immutable after creation.
type Question struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	CallerID   string    `json:"caller_id"`
	Flags      Flags     `json:"flags"`
	ReceivedAt time.Time `json:"received_at"`
}

// Classification is the chosen subset of sources for a question.
// Produced once per question; never mutated.
type Classification struct {
	QuestionID      string   `json:"question_id"`
	SelectedSources []string `json:"selected_sources"`
	Reasoning       string   `json:"reasoning"`
	IsCrossSource   bool     `json:"is_cross_source"`
	Confidence      float64  `json:"confidence,omitempty"`
	FellBack        bool     `json:"fell_back,omitempty"`
}

// OpKind identifies the adapter-native call type of an operation.
type OpKind string

const (
	OpKindTranslateExecute OpKind = "translate_execute"
	OpKindIntrospect       OpKind = "introspect"
	OpKindAggregate        OpKind = "aggregate"
	OpKindNoop             OpKind = "noop"
)

// Operation is a single adapter call within a plan.
type Operation struct {
	OpID      string            `json:"op_id"`
	SourceID  string            `json:"source_id"`
	Kind      OpKind            `json:"kind"`
	Params    map[string]any    `json:"params,omitempty"`
	DependsOn []string          `json:"depends_on,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// RequiredCaps returns the capabilities the operation's source must declare.
func (o Operation) RequiredCaps() []Capability {
	switch o.Kind {
	case OpKindTranslateExecute:
		return []Capability{CapTranslateNL}
	case OpKindIntrospect:
		return []Capability{CapIntrospect}
	default:
		return nil
	}
}

// Validation carries the outcome of plan validation.
type Validation struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors,omitempty"`
}

// Plan is a validated DAG of operations plus optional aggregator.
// The planner owns a Plan once created; the executor only reads it.
type Plan struct {
	PlanID     string      `json:"plan_id"`
	QuestionID string      `json:"question_id"`
	Operations []Operation `json:"operations"`
	Validation Validation  `json:"validation"`
}

// Op returns the operation with the given id, if present.
func (p Plan) Op(opID string) (Operation, bool) {
	for _, op := range p.Operations {
		if op.OpID == opID {
			return op, true
		}
	}
	return Operation{}, false
}
