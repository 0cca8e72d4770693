package huntflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// StepKind is the closed set of activity kinds the pipeline executes.
// Handlers are bound to kinds at construction time; there is no dynamic
// dispatch by name.
type StepKind string

const (
	StepKindAnalyze StepKind = "ANALYZE"
	StepKindDeliver StepKind = "DELIVER"
)

// String returns the string representation.
func (k StepKind) String() string {
	return string(k)
}

// StepContext provides execution metadata to activity handlers.
type StepContext struct {
	context.Context

	RunID    string
	StepName string
	Attempt  int

	// IdempotencyKey is derived from the run ID so side-effecting
	// collaborators can deduplicate retried calls.
	IdempotencyKey string

	// Logger is enriched with run and step context.
	Logger zerolog.Logger
}

// ActivityHandler is the user-defined function signature for step logic.
type ActivityHandler[TIn, TOut any] func(ctx *StepContext, input TIn) (TOut, error)

// Activity is the interface the executor works with. Implementations wrap
// a typed handler and take care of payload marshaling.
type Activity interface {
	Kind() StepKind
	Execute(ctx *StepContext, input []byte) (output []byte, err error)
}

// activity is the generic, type-safe Activity implementation.
type activity[TIn, TOut any] struct {
	kind    StepKind
	handler ActivityHandler[TIn, TOut]
}

// NewActivity creates a type-safe activity bound to a step kind.
func NewActivity[TIn, TOut any](kind StepKind, handler ActivityHandler[TIn, TOut]) Activity {
	return &activity[TIn, TOut]{kind: kind, handler: handler}
}

func (a *activity[TIn, TOut]) Kind() StepKind {
	return a.kind
}

// Execute unmarshals the input, runs the handler and marshals the output.
func (a *activity[TIn, TOut]) Execute(ctx *StepContext, inputBytes []byte) ([]byte, error) {
	var input TIn
	if err := json.Unmarshal(inputBytes, &input); err != nil {
		return nil, MalformedInput(fmt.Errorf("unmarshal input for %s: %w", a.kind, err))
	}

	output, err := a.handler(ctx, input)
	if err != nil {
		return nil, err
	}

	outputBytes, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("marshal output for %s: %w", a.kind, err)
	}

	return outputBytes, nil
}
