package model

// SourceKind classifies the backend behind a source.
type SourceKind string

const (
	SourceKindRelational   SourceKind = "relational"
	SourceKindDocument     SourceKind = "document"
	SourceKindVector       SourceKind = "vector"
	SourceKindMessagingAPI SourceKind = "messaging_api"
	SourceKindCommerceAPI  SourceKind = "commerce_api"
	SourceKindAnalyticsAPI SourceKind = "analytics_api"
)

// Capability tags what a source's adapter can do.
type Capability string

const (
	CapTranslateNL      Capability = "translate_nl"
	CapIntrospect       Capability = "introspect"
	CapVectorSearch     Capability = "vector_search"
	CapStreamingResults Capability = "streaming_results"
	CapExplain          Capability = "explain"
	CapAnalyzeResult    Capability = "analyze_result"
)

// Source is a configured backend that can answer queries.
// The registry is the sole mutator; everyone else reads snapshots.
type Source struct {
	ID            string       `json:"id"`
	Kind          SourceKind   `json:"kind"`
	URI           string       `json:"uri"`
	SchemaSummary string       `json:"schema_summary"`
	Caps          []Capability `json:"caps"`
}

func (s Source) HasCap(c Capability) bool {
	for _, have := range s.Caps {
		if have == c {
			return true
		}
	}
	return false
}

// SourceStatus is the availability probe verdict for a source.
type SourceStatus string

const (
	StatusOnline   SourceStatus = "online"
	StatusDegraded SourceStatus = "degraded"
	StatusOffline  SourceStatus = "offline"
	StatusUnknown  SourceStatus = "unknown"
)

// Availability is the cached result of the last probe for a source.
type Availability struct {
	SourceID       string       `json:"source_id"`
	Status         SourceStatus `json:"status"`
	LastChecked    string       `json:"last_checked"`
	ResponseTimeMS int64        `json:"response_time_ms,omitempty"`
	Error          string       `json:"error,omitempty"`
}
