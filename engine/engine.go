package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tendorhq/huntflow"
)

// Engine orchestrates workflow runs. It owns signal intake, state
// rehydration and decision making; actual step execution is the
// Executor's job.
type Engine struct {
	store  huntflow.HistoryStore
	def    *huntflow.Definition
	logger zerolog.Logger
	config huntflow.EngineConfig
	sink   huntflow.Sink

	mu           sync.Mutex
	accountLocks map[string]*sync.Mutex
}

// EngineOption configures the workflow engine
type EngineOption func(*Engine)

// WithLogger sets a custom logger for the engine
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithConfig sets a custom configuration for the engine
func WithConfig(config huntflow.EngineConfig) EngineOption {
	return func(e *Engine) {
		e.config = config
	}
}

// WithSink sets the step event sink
func WithSink(sink huntflow.Sink) EngineOption {
	return func(e *Engine) {
		e.sink = sink
	}
}

// NewEngine creates a new workflow engine with optional configuration.
// If no logger is provided, a default stdout logger with Info level is used.
func NewEngine(store huntflow.HistoryStore, def *huntflow.Definition, opts ...EngineOption) *Engine {
	defaultLogger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger().
		Level(zerolog.InfoLevel)

	eng := &Engine{
		store:        store,
		def:          def,
		logger:       defaultLogger,
		config:       huntflow.DefaultEngineConfig,
		sink:         huntflow.NopSink{},
		accountLocks: make(map[string]*sync.Mutex),
	}

	for _, opt := range opts {
		opt(eng)
	}

	return eng
}

// Definition returns the definition runs execute against.
func (e *Engine) Definition() *huntflow.Definition {
	return e.def
}

// StartRun admits a signal. Signals below the intent threshold are
// rejected with ErrBelowThreshold. If the account already has an active
// run, the signal coalesces into it and the existing run is returned
// with created=false.
func (e *Engine) StartRun(ctx context.Context, signal huntflow.Signal) (*huntflow.WorkflowRun, bool, error) {
	if signal.AccountID == "" {
		return nil, false, fmt.Errorf("signal has no account ID")
	}
	if signal.IntentScore < e.config.IntentThreshold {
		huntflow.LogSignalRejected(e.logger, signal.AccountID, signal.IntentScore, e.config.IntentThreshold)
		return nil, false, huntflow.ErrBelowThreshold
	}

	// Serialize intake per account: without this, two simultaneous
	// signals could both observe "no active run" and create duplicate
	// runs for the same account.
	lock := e.accountLock(signal.AccountID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := e.activeRunFor(ctx, signal.AccountID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		huntflow.LogRunCoalesced(e.logger, existing.RunID, signal.AccountID)
		return existing, false, nil
	}

	now := time.Now()
	run := &huntflow.WorkflowRun{
		RunID:        uuid.New().String(),
		DefinitionID: e.def.ID(),
		AccountID:    signal.AccountID,
		Signal:       signal,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, false, fmt.Errorf("failed to create workflow run: %w", err)
	}

	run.State = huntflow.RunStatePending
	huntflow.LogSignalAccepted(e.logger, signal.AccountID, signal.IntentScore)
	huntflow.LogRunStarted(e.logger, run.RunID, signal.AccountID, signal.IntentScore)

	return run, true, nil
}

func (e *Engine) accountLock(accountID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	lock, ok := e.accountLocks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		e.accountLocks[accountID] = lock
	}
	return lock
}

// activeRunFor returns the account's non-terminal run, if any.
func (e *Engine) activeRunFor(ctx context.Context, accountID string) (*huntflow.WorkflowRun, error) {
	runs, err := e.store.ListRuns(ctx, huntflow.RunFilter{AccountID: accountID})
	if err != nil {
		return nil, fmt.Errorf("failed to list runs for account: %w", err)
	}

	for _, run := range runs {
		records, err := e.store.Load(ctx, run.RunID)
		if err != nil {
			return nil, fmt.Errorf("failed to load history: %w", err)
		}
		Rehydrate(e.def, run, records)
		if !run.State.IsTerminal() {
			return run, nil
		}
	}
	return nil, nil
}

// GetRun retrieves a run with its derived state filled in.
func (e *Engine) GetRun(ctx context.Context, runID string) (*huntflow.WorkflowRun, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	records, err := e.store.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	Rehydrate(e.def, run, records)
	return run, nil
}

// Advance loads the run's history and computes its next decision.
func (e *Engine) Advance(ctx context.Context, runID string) (*huntflow.WorkflowRun, Decision, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, Decision{}, err
	}

	records, err := e.store.Load(ctx, runID)
	if err != nil {
		return nil, Decision{}, fmt.Errorf("failed to load history: %w", err)
	}

	return run, Decide(e.def, run, records, time.Now()), nil
}

// Cancel requests cancellation. The run keeps executing any in-flight
// attempt; it transitions to ABANDONED at its next decision point.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	run, err := e.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	if run.State.IsTerminal() {
		return fmt.Errorf("cannot cancel run in %s state", run.State)
	}

	if err := e.store.RequestCancel(ctx, runID); err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}

	e.logger.Warn().
		Str("event", huntflow.EventRunAbandoned).
		Str("run_id", runID).
		Msg("Cancel requested")

	return nil
}

// ListRuns lists workflow runs with filtering, derived state included.
func (e *Engine) ListRuns(ctx context.Context, filter huntflow.RunFilter) ([]*huntflow.WorkflowRun, error) {
	runs, err := e.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, err
	}

	for _, run := range runs {
		records, err := e.store.Load(ctx, run.RunID)
		if err != nil {
			return nil, fmt.Errorf("failed to load history: %w", err)
		}
		Rehydrate(e.def, run, records)
	}
	return runs, nil
}
