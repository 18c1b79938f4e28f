package events

import "time"

// EventType discriminates usage event payloads.
type EventType string

const (
	ExecutionStarted   EventType = "execution.started"
	ExecutionCompleted EventType = "execution.completed"
	JobStarted         EventType = "job.started"
	JobCompleted       EventType = "job.completed"
)

// IsCompletion reports whether t closes an execution or job.
func (t EventType) IsCompletion() bool {
	return t == ExecutionCompleted || t == JobCompleted
}

// Metadata keys written on completions synthesized by the reconciler.
const (
	MetaIncompleteJobProcessed = "incomplete_job_processed"
	MetaOriginalStartTime      = "original_start_time"
	MetaCalculatedAverage      = "calculated_average"
)

// UsageEvent is an immutable fact accepted from a webhook delivery or
// synthesized by the reconciler. Events are never updated or deleted.
type UsageEvent struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"ts"`
	AgentID        string         `json:"agent_id"`
	ExecutionID    string         `json:"execution_id"`
	EventType      EventType      `json:"event_type"`
	KPIKey         string         `json:"kpi_key,omitempty"`
	Value          *float64       `json:"value,omitempty"`
	Unit           string         `json:"unit,omitempty"`
	DurationMs     *int64         `json:"duration_ms,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Metadata       map[string]any `json:"metadata"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Synthesized reports whether the reconciler produced this event.
func (e *UsageEvent) Synthesized() bool {
	v, _ := e.Metadata[MetaIncompleteJobProcessed].(bool)
	return v
}

// Tuple returns the job identity the reconciler tracks.
func (e *UsageEvent) Tuple() JobTuple {
	return JobTuple{AgentID: e.AgentID, ExecutionID: e.ExecutionID, KPIKey: e.KPIKey}
}

// JobTuple identifies one job for reconciliation purposes.
type JobTuple struct {
	AgentID     string
	ExecutionID string
	KPIKey      string
}

// Outcome is the result of appending an event.
type Outcome int

const (
	Stored Outcome = iota
	AlreadyProcessed
)

func (o Outcome) String() string {
	if o == AlreadyProcessed {
		return "already_processed"
	}
	return "stored"
}

// EventQuery filters and paginates the event ledger.
type EventQuery struct {
	AgentID   string    `json:"agent_id,omitempty"`
	EventType EventType `json:"event_type,omitempty"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Cursor    string    `json:"cursor,omitempty"`
	Limit     int       `json:"limit"`
}
