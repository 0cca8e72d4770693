package huntflow

import "time"

// StepEventType identifies the lifecycle transition a StepEvent reports.
type StepEventType string

const (
	StepEventScheduled StepEventType = "SCHEDULED"
	StepEventSucceeded StepEventType = "SUCCEEDED"
	StepEventFailed    StepEventType = "FAILED"
	StepEventTimedOut  StepEventType = "TIMED_OUT"
	StepEventRetrying  StepEventType = "RETRYING"
)

// StepEvent is emitted on every step lifecycle transition. Events are
// advisory: sinks may drop them under pressure and consumers must never
// treat them as a substitute for history.
type StepEvent struct {
	Type      StepEventType `json:"type"`
	RunID     string        `json:"runId"`
	AccountID string        `json:"accountId"`
	StepName  string        `json:"stepName"`
	Attempt   int           `json:"attempt"`
	ErrorKind ErrorKind     `json:"errorKind,omitempty"`
	At        time.Time     `json:"at"`
}

// Sink receives step lifecycle events. Emit must not block the caller.
type Sink interface {
	Emit(event StepEvent)
}

// NopSink discards all events.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(StepEvent) {}
