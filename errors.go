package huntflow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the closed taxonomy every collaborator error is mapped to
// before it reaches the engine. Retry policies consult only the kind,
// never the collaborator's native error type.
type ErrorKind string

const (
	// ErrorKindTransient covers network blips, rate limits and other
	// failures expected to clear on retry.
	ErrorKindTransient ErrorKind = "TRANSIENT"

	// ErrorKindPermanent covers auth failures and rejected requests that
	// no amount of retrying will fix.
	ErrorKindPermanent ErrorKind = "PERMANENT"

	// ErrorKindMalformedInput covers inputs the collaborator cannot
	// parse. Never retried.
	ErrorKindMalformedInput ErrorKind = "MALFORMED_INPUT"

	// ErrorKindTimeout is assigned by the executor when an attempt
	// exceeds its wall-clock budget. Retried like a transient failure.
	ErrorKindTimeout ErrorKind = "TIMEOUT"

	// ErrorKindConflict indicates a concurrent history append was
	// detected. The caller must reload history and recompute its
	// decision, never blindly retry the append.
	ErrorKindConflict ErrorKind = "CONFLICT"
)

// String returns the string representation.
func (k ErrorKind) String() string {
	return string(k)
}

// Retryable reports whether the kind is retryable under the default
// policy. Individual retry policies may narrow this set.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindTransient || k == ErrorKindTimeout
}

// Sentinel errors shared across the history store implementations.
var (
	// ErrConflict is returned by HistoryStore.Append when a second
	// SCHEDULED record for the same (run, step) would be outstanding.
	ErrConflict = errors.New("history append conflict")

	// ErrRunNotFound is returned when a run ID is unknown.
	ErrRunNotFound = errors.New("workflow run not found")

	// ErrRunExists is returned by CreateRun for a duplicate run ID.
	ErrRunExists = errors.New("workflow run already exists")

	// ErrBelowThreshold is returned when a signal's intent score does
	// not qualify for a run. Rejection at intake, not a failure.
	ErrBelowThreshold = errors.New("signal below intent threshold")
)

// StepFault is an error carrying its taxonomy kind. Collaborator adapters
// return StepFault so the executor can classify without string matching.
type StepFault struct {
	Kind      ErrorKind
	Message   string
	Timestamp time.Time
}

// Error implements the error interface.
func (f *StepFault) Error() string {
	return fmt.Sprintf("[%s] %s", f.Kind, f.Message)
}

// NewStepFault creates a fault with the given kind.
func NewStepFault(kind ErrorKind, message string) *StepFault {
	return &StepFault{Kind: kind, Message: message, Timestamp: time.Now()}
}

// Transient wraps err as a transient fault.
func Transient(err error) *StepFault {
	return NewStepFault(ErrorKindTransient, err.Error())
}

// Permanent wraps err as a permanent fault.
func Permanent(err error) *StepFault {
	return NewStepFault(ErrorKindPermanent, err.Error())
}

// MalformedInput wraps err as a malformed-input fault.
func MalformedInput(err error) *StepFault {
	return NewStepFault(ErrorKindMalformedInput, err.Error())
}

// Classify maps an arbitrary collaborator error to an ErrorKind.
// Context deadline expiry classifies as timeout; anything unrecognized
// is treated as transient so a flaky collaborator gets its retries.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var fault *StepFault
	if errors.As(err, &fault) {
		return fault.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}

	if errors.Is(err, ErrConflict) {
		return ErrorKindConflict
	}

	return ErrorKindTransient
}
