package huntflow

import (
	"encoding/json"
	"time"
)

// RunState represents the derived state of a workflow run.
// Run state is never stored directly; it is recomputed by folding the
// run's StepRecord sequence through the workflow definition.
type RunState string

const (
	RunStatePending       RunState = "PENDING"
	RunStateRunning       RunState = "RUNNING"
	RunStateAwaitingRetry RunState = "AWAITING_RETRY"
	RunStateCompleted     RunState = "COMPLETED"
	RunStateFailed        RunState = "FAILED"
	RunStateAbandoned     RunState = "ABANDONED"
)

// IsTerminal returns true if the state is a final state.
func (s RunState) IsTerminal() bool {
	return s == RunStateCompleted || s == RunStateFailed || s == RunStateAbandoned
}

// String returns the string representation.
func (s RunState) String() string {
	return string(s)
}

// StepStatus represents the outcome of one activity attempt.
type StepStatus string

const (
	StepStatusScheduled StepStatus = "SCHEDULED"
	StepStatusSucceeded StepStatus = "SUCCEEDED"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusTimedOut  StepStatus = "TIMED_OUT"
)

// IsTerminal returns true if the status closes out an attempt.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed || s == StepStatusTimedOut
}

// String returns the string representation.
func (s StepStatus) String() string {
	return string(s)
}

// IntentEvent is one observed account behavior indicating buying intent.
type IntentEvent struct {
	Type       string    `json:"type" dynamodbav:"type"`
	UserTitle  string    `json:"userTitle,omitempty" dynamodbav:"user_title,omitempty"`
	ObservedAt time.Time `json:"observedAt" dynamodbav:"observed_at"`
}

// Signal is an immutable snapshot of a high-intent account at intake time.
// The intent score is computed upstream; the core only compares it against
// the intake threshold.
type Signal struct {
	AccountID     string        `json:"accountId" dynamodbav:"account_id"`
	CompanyName   string        `json:"companyName" dynamodbav:"company_name"`
	Industry      string        `json:"industry,omitempty" dynamodbav:"industry,omitempty"`
	EmployeeCount int           `json:"employeeCount,omitempty" dynamodbav:"employee_count,omitempty"`
	Revenue       string        `json:"revenue,omitempty" dynamodbav:"revenue,omitempty"`
	IntentScore   int           `json:"intentScore" dynamodbav:"intent_score"`
	Events        []IntentEvent `json:"events,omitempty" dynamodbav:"events,omitempty"`
	FirstSeen     time.Time     `json:"firstSeen" dynamodbav:"first_seen"`
	LastSeen      time.Time     `json:"lastSeen" dynamodbav:"last_seen"`
}

// WorkflowRun represents a single durable execution processing one signal.
// Only identity, the signal snapshot, timestamps and the cancel flag are
// persisted; State, StepCursor and the failure fields are derived from
// history and filled in by the engine.
type WorkflowRun struct {
	// Identity
	RunID        string `json:"runId" dynamodbav:"run_id"`
	DefinitionID string `json:"definitionId" dynamodbav:"definition_id"`
	AccountID    string `json:"accountId" dynamodbav:"account_id"`

	// Signal snapshot, immutable once the run is created
	Signal Signal `json:"signal" dynamodbav:"signal"`

	// Timing
	CreatedAt time.Time `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" dynamodbav:"updated_at"`

	// Cancellation is requested out of band and honored at the next
	// decision point, never mid-attempt.
	CancelRequested bool `json:"cancelRequested,omitempty" dynamodbav:"cancel_requested,omitempty"`

	// Derived fields (never persisted)
	State         RunState        `json:"state" dynamodbav:"-"`
	StepCursor    int             `json:"stepCursor" dynamodbav:"-"`
	Result        json.RawMessage `json:"result,omitempty" dynamodbav:"-"`
	FailureKind   ErrorKind       `json:"failureKind,omitempty" dynamodbav:"-"`
	FailureReason string          `json:"failureReason,omitempty" dynamodbav:"-"`
}

// StepRecord is the durable, append-only record of one activity attempt.
// The ordered record sequence for a run is the sole source of truth for
// its state.
type StepRecord struct {
	// Identity
	RunID    string `json:"runId" dynamodbav:"run_id"`
	StepName string `json:"stepName" dynamodbav:"step_name"`
	Attempt  int    `json:"attempt" dynamodbav:"attempt"` // 1-based

	// Seq is the per-run append order, assigned by the store.
	Seq int64 `json:"seq" dynamodbav:"seq"`

	// Status
	Status StepStatus `json:"status" dynamodbav:"status"`

	// Payloads (serialized as JSON bytes)
	Input  json.RawMessage `json:"input,omitempty" dynamodbav:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty" dynamodbav:"output,omitempty"`

	// Failure detail, set on FAILED and TIMED_OUT records
	ErrorKind   ErrorKind `json:"errorKind,omitempty" dynamodbav:"error_kind,omitempty"`
	ErrorReason string    `json:"errorReason,omitempty" dynamodbav:"error_reason,omitempty"`

	// Timing
	StartedAt time.Time  `json:"startedAt" dynamodbav:"started_at"`
	EndedAt   *time.Time `json:"endedAt,omitempty" dynamodbav:"ended_at,omitempty"`
}

// OpportunityBrief is the analysis output delivered to the sales channel.
type OpportunityBrief struct {
	AccountID          string    `json:"accountId"`
	CompanyName        string    `json:"companyName"`
	IntentScore        int       `json:"intentScore"`
	IntentLabel        string    `json:"intentLabel"`
	StrategyType       string    `json:"strategyType"`
	Summary            string    `json:"summary"`
	RecommendedActions []string  `json:"recommendedActions"`
	Urgency            string    `json:"urgency"`
	GeneratedAt        time.Time `json:"generatedAt"`
}

// DeliveryReceipt acknowledges a delivered brief. Duplicate is set when
// the destination recognized the idempotency key and suppressed a repost.
type DeliveryReceipt struct {
	DeliveryID  string    `json:"deliveryId"`
	Channel     string    `json:"channel"`
	Duplicate   bool      `json:"duplicate,omitempty"`
	DeliveredAt time.Time `json:"deliveredAt"`
}
