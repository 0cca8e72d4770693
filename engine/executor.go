package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tendorhq/huntflow"
)

// Executor carries out ExecuteStep decisions: it records the attempt,
// invokes the activity under a hard wall-clock timeout and records the
// outcome. Every collaborator error is classified before it is written
// to history; the engine never sees a raw error.
type Executor struct {
	store  huntflow.HistoryStore
	logger zerolog.Logger
	sink   huntflow.Sink
}

// NewExecutor creates an executor.
func NewExecutor(store huntflow.HistoryStore, logger zerolog.Logger, sink huntflow.Sink) *Executor {
	if sink == nil {
		sink = huntflow.NopSink{}
	}
	return &Executor{store: store, logger: logger, sink: sink}
}

type attemptResult struct {
	output []byte
	err    error
}

// ExecuteStep performs one attempt of the decided step and returns the
// terminal record it appended. ErrConflict from the initial SCHEDULED
// append means another worker owns the attempt; the caller must reload
// history and recompute its decision.
func (x *Executor) ExecuteStep(ctx context.Context, run *huntflow.WorkflowRun, d Decision) (*huntflow.StepRecord, error) {
	sd := d.Step
	startedAt := time.Now()

	scheduled := &huntflow.StepRecord{
		RunID:     run.RunID,
		StepName:  sd.Name,
		Attempt:   d.Attempt,
		Status:    huntflow.StepStatusScheduled,
		Input:     d.Input,
		StartedAt: startedAt,
	}
	if err := x.store.Append(ctx, scheduled); err != nil {
		if errors.Is(err, huntflow.ErrConflict) {
			huntflow.LogHistoryConflict(x.logger, run.RunID, sd.Name)
			return nil, huntflow.ErrConflict
		}
		huntflow.LogPersistenceError(x.logger, run.RunID, "append_scheduled", err)
		return nil, fmt.Errorf("failed to append scheduled record: %w", err)
	}

	stepLogger := huntflow.StepLogger(huntflow.RunLogger(x.logger, run.RunID, run.AccountID), sd.Name, d.Attempt)
	huntflow.LogStepStarted(x.logger, run.RunID, sd.Name, d.Attempt)
	x.emit(huntflow.StepEventScheduled, run, sd.Name, d.Attempt, "")

	attemptCtx, cancel := context.WithTimeout(ctx, sd.Timeout)
	defer cancel()

	stepCtx := &huntflow.StepContext{
		Context:        attemptCtx,
		RunID:          run.RunID,
		StepName:       sd.Name,
		Attempt:        d.Attempt,
		IdempotencyKey: run.RunID,
		Logger:         stepLogger,
	}

	// Buffered so a late-finishing activity can always send and exit;
	// its result is simply discarded after the deadline fires.
	resultCh := make(chan attemptResult, 1)
	go func() {
		output, err := sd.Activity().Execute(stepCtx, d.Input)
		resultCh <- attemptResult{output: output, err: err}
	}()

	var res attemptResult
	select {
	case res = <-resultCh:
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			// Parent cancellation (shutdown), not a step timeout. The
			// attempt keeps its retry budget; the scheduled record is
			// left for stale-attempt recovery to close out.
			return nil, ctx.Err()
		}
		return x.recordTimeout(ctx, run, sd, d.Attempt, startedAt)
	}

	if res.err != nil {
		kind := huntflow.Classify(res.err)
		if kind == huntflow.ErrorKindTimeout {
			return x.recordTimeout(ctx, run, sd, d.Attempt, startedAt)
		}
		return x.recordFailure(ctx, run, sd, d.Attempt, startedAt, kind, res.err)
	}

	endedAt := time.Now()
	record := &huntflow.StepRecord{
		RunID:     run.RunID,
		StepName:  sd.Name,
		Attempt:   d.Attempt,
		Status:    huntflow.StepStatusSucceeded,
		Input:     d.Input,
		Output:    res.output,
		StartedAt: startedAt,
		EndedAt:   &endedAt,
	}
	if err := x.append(ctx, run.RunID, record); err != nil {
		return nil, err
	}

	huntflow.LogStepSucceeded(x.logger, run.RunID, sd.Name, endedAt.Sub(startedAt).Milliseconds())
	x.emit(huntflow.StepEventSucceeded, run, sd.Name, d.Attempt, "")
	return record, nil
}

func (x *Executor) recordTimeout(ctx context.Context, run *huntflow.WorkflowRun, sd huntflow.StepDef, attempt int, startedAt time.Time) (*huntflow.StepRecord, error) {
	record := &huntflow.StepRecord{
		RunID:       run.RunID,
		StepName:    sd.Name,
		Attempt:     attempt,
		Status:      huntflow.StepStatusTimedOut,
		ErrorKind:   huntflow.ErrorKindTimeout,
		ErrorReason: fmt.Sprintf("attempt exceeded %s budget", sd.Timeout),
		StartedAt:   startedAt,
		EndedAt:     huntflow.ToPtr(time.Now()),
	}
	if err := x.append(ctx, run.RunID, record); err != nil {
		return nil, err
	}

	huntflow.LogStepTimedOut(x.logger, run.RunID, sd.Name, attempt, sd.Timeout)
	x.emit(huntflow.StepEventTimedOut, run, sd.Name, attempt, huntflow.ErrorKindTimeout)
	return record, nil
}

func (x *Executor) recordFailure(ctx context.Context, run *huntflow.WorkflowRun, sd huntflow.StepDef, attempt int, startedAt time.Time, kind huntflow.ErrorKind, cause error) (*huntflow.StepRecord, error) {
	record := &huntflow.StepRecord{
		RunID:       run.RunID,
		StepName:    sd.Name,
		Attempt:     attempt,
		Status:      huntflow.StepStatusFailed,
		ErrorKind:   kind,
		ErrorReason: cause.Error(),
		StartedAt:   startedAt,
		EndedAt:     huntflow.ToPtr(time.Now()),
	}
	if err := x.append(ctx, run.RunID, record); err != nil {
		return nil, err
	}

	huntflow.LogStepFailed(x.logger, run.RunID, sd.Name, kind, cause, attempt)
	x.emit(huntflow.StepEventFailed, run, sd.Name, attempt, kind)
	return record, nil
}

// append writes a terminal record. A conflict here means the attempt
// was already resolved by someone else (stale-closure race); the other
// record wins and ours is discarded.
func (x *Executor) append(ctx context.Context, runID string, record *huntflow.StepRecord) error {
	if err := x.store.Append(ctx, record); err != nil {
		if errors.Is(err, huntflow.ErrConflict) {
			huntflow.LogHistoryConflict(x.logger, runID, record.StepName)
			return huntflow.ErrConflict
		}
		huntflow.LogPersistenceError(x.logger, runID, "append_terminal", err)
		return fmt.Errorf("failed to append step record: %w", err)
	}
	return nil
}

func (x *Executor) emit(t huntflow.StepEventType, run *huntflow.WorkflowRun, stepName string, attempt int, kind huntflow.ErrorKind) {
	x.sink.Emit(huntflow.StepEvent{
		Type:      t,
		RunID:     run.RunID,
		AccountID: run.AccountID,
		StepName:  stepName,
		Attempt:   attempt,
		ErrorKind: kind,
		At:        time.Now(),
	})
}
