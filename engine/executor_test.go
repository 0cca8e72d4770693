package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendorhq/huntflow"
	"github.com/tendorhq/huntflow/store"
)

func startExecutorRun(t *testing.T, def *huntflow.Definition) (*Engine, *Executor, *huntflow.WorkflowRun, Decision) {
	t.Helper()
	eng, exec, _ := createTestEngine(t, def)

	run, _, err := eng.StartRun(context.Background(), acmeSignal())
	require.NoError(t, err)

	loaded, d, err := eng.Advance(context.Background(), run.RunID)
	require.NoError(t, err)
	require.Equal(t, DecideExecuteStep, d.Kind)
	return eng, exec, loaded, d
}

func TestExecutor_HardTimeoutDoesNotWaitForActivity(t *testing.T) {
	released := make(chan struct{})

	def, err := huntflow.NewDefinition("opportunity-hunt").
		Step("analyze_account", analyzeStep(func(ctx *huntflow.StepContext, sig huntflow.Signal) (briefOutput, error) {
			<-released
			return briefOutput{AccountID: sig.AccountID}, nil
		}), huntflow.WithTimeout(30*time.Millisecond), huntflow.WithRetry(fastRetry)).
		Build()
	require.NoError(t, err)

	_, exec, run, d := startExecutorRun(t, def)

	started := time.Now()
	rec, err := exec.ExecuteStep(context.Background(), run, d)
	elapsed := time.Since(started)

	require.NoError(t, err)
	assert.Equal(t, huntflow.StepStatusTimedOut, rec.Status)
	assert.Equal(t, huntflow.ErrorKindTimeout, rec.ErrorKind)
	// The executor gave up at the budget, not when the activity finished
	assert.Less(t, elapsed, time.Second)

	close(released)
}

func TestExecutor_LateResultAfterTimeoutIsDiscarded(t *testing.T) {
	released := make(chan struct{})

	def, err := huntflow.NewDefinition("opportunity-hunt").
		Step("analyze_account", analyzeStep(func(ctx *huntflow.StepContext, sig huntflow.Signal) (briefOutput, error) {
			<-released
			return briefOutput{AccountID: sig.AccountID}, nil
		}), huntflow.WithTimeout(20*time.Millisecond), huntflow.WithRetry(fastRetry)).
		Build()
	require.NoError(t, err)

	eng, exec, run, d := startExecutorRun(t, def)
	ctx := context.Background()

	rec, err := exec.ExecuteStep(ctx, run, d)
	require.NoError(t, err)
	require.Equal(t, huntflow.StepStatusTimedOut, rec.Status)

	// Let the stuck attempt finish now; its result must not corrupt
	// the already-recorded timeout.
	close(released)
	time.Sleep(20 * time.Millisecond)

	records, err := eng.store.Load(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, huntflow.StepStatusTimedOut, records[1].Status)
}

func TestExecutor_ShutdownLeavesAttemptUnresolved(t *testing.T) {
	released := make(chan struct{})

	def, err := huntflow.NewDefinition("opportunity-hunt").
		Step("analyze_account", analyzeStep(func(ctx *huntflow.StepContext, sig huntflow.Signal) (briefOutput, error) {
			<-released
			return briefOutput{AccountID: sig.AccountID}, nil
		}), huntflow.WithTimeout(time.Minute), huntflow.WithRetry(fastRetry)).
		Build()
	require.NoError(t, err)

	eng, exec, run, d := startExecutorRun(t, def)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = exec.ExecuteStep(ctx, run, d)
	require.ErrorIs(t, err, context.Canceled)
	close(released)

	// Shutdown is not a step failure: no terminal record is written and
	// the attempt keeps its retry budget. The scheduled record stays for
	// stale-attempt recovery to close out.
	records, err := eng.store.Load(context.Background(), run.RunID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, huntflow.StepStatusScheduled, records[0].Status)
}

func TestExecutor_ClassifiesCollaboratorErrors(t *testing.T) {
	def, err := huntflow.NewDefinition("opportunity-hunt").
		Step("analyze_account", analyzeStep(func(ctx *huntflow.StepContext, sig huntflow.Signal) (briefOutput, error) {
			return briefOutput{}, errors.New("some raw collaborator error")
		}), huntflow.WithRetry(fastRetry)).
		Build()
	require.NoError(t, err)

	_, exec, run, d := startExecutorRun(t, def)

	rec, err := exec.ExecuteStep(context.Background(), run, d)
	require.NoError(t, err)
	assert.Equal(t, huntflow.StepStatusFailed, rec.Status)
	// Unrecognized errors default to transient so flaky collaborators
	// get their retries
	assert.Equal(t, huntflow.ErrorKindTransient, rec.ErrorKind)
	assert.Contains(t, rec.ErrorReason, "some raw collaborator error")
}

func TestExecutor_SchedulingConflictSurfaces(t *testing.T) {
	def := happyDefinition(t)
	st := store.NewMemoryStore()
	eng := NewEngine(st, def, WithLogger(zerolog.Nop()))
	exec := NewExecutor(st, zerolog.Nop(), huntflow.NopSink{})
	ctx := context.Background()

	run, _, err := eng.StartRun(ctx, acmeSignal())
	require.NoError(t, err)

	loaded, d, err := eng.Advance(ctx, run.RunID)
	require.NoError(t, err)

	// Another worker schedules the same attempt first
	require.NoError(t, st.Append(ctx, &huntflow.StepRecord{
		RunID:     run.RunID,
		StepName:  d.Step.Name,
		Attempt:   d.Attempt,
		Status:    huntflow.StepStatusScheduled,
		StartedAt: time.Now(),
	}))

	_, err = exec.ExecuteStep(ctx, loaded, d)
	assert.ErrorIs(t, err, huntflow.ErrConflict)

	// Only the first scheduled record exists
	records, err := st.Load(ctx, run.RunID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestExecutor_RecordsInputAndOutput(t *testing.T) {
	def := happyDefinition(t)
	_, exec, run, d := startExecutorRun(t, def)

	rec, err := exec.ExecuteStep(context.Background(), run, d)
	require.NoError(t, err)
	assert.Equal(t, huntflow.StepStatusSucceeded, rec.Status)
	assert.NotEmpty(t, rec.Input)
	assert.Contains(t, string(rec.Output), "brief for Acme Corp")
	require.NotNil(t, rec.EndedAt)
	assert.False(t, rec.EndedAt.Before(rec.StartedAt))
}
