package huntflow

import "context"

// HistoryStore defines the persistence interface for runs and their
// append-only step history. Implementations must make Append atomic:
// when two workers race to schedule the same step, exactly one append
// succeeds and the other gets ErrConflict.
type HistoryStore interface {
	// Workflow runs. Run rows hold identity and the signal snapshot
	// only; derived state is recomputed from history.
	CreateRun(ctx context.Context, run *WorkflowRun) error
	GetRun(ctx context.Context, runID string) (*WorkflowRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error)

	// RequestCancel sets the run's cancel flag. The engine honors it
	// at the next decision point.
	RequestCancel(ctx context.Context, runID string) error

	// Append adds one step record to the run's history and assigns its
	// Seq. Appending a SCHEDULED record while another SCHEDULED record
	// for the same (run, step) is unresolved returns ErrConflict.
	Append(ctx context.Context, record *StepRecord) error

	// Load returns the run's full history in append order.
	Load(ctx context.Context, runID string) ([]*StepRecord, error)
}

// RunFilter defines filtering criteria for workflow runs
type RunFilter struct {
	AccountID string
	Limit     int
}
