package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendorhq/huntflow"
	"github.com/tendorhq/huntflow/store"
)

var fastSchedulerConfig = huntflow.SchedulerConfig{
	MaxConcurrency: 4,
	StaleGrace:     20 * time.Millisecond,
	TickInterval:   5 * time.Millisecond,
}

func signalFor(account string) huntflow.Signal {
	now := time.Now()
	return huntflow.Signal{
		AccountID:   account,
		CompanyName: account,
		IntentScore: 90,
		FirstSeen:   now,
		LastSeen:    now,
	}
}

func newTestScheduler(t *testing.T, def *huntflow.Definition, cfg huntflow.SchedulerConfig) (*Engine, *Scheduler, chan *huntflow.WorkflowRun) {
	t.Helper()
	st := store.NewMemoryStore()
	eng := NewEngine(st, def, WithLogger(zerolog.Nop()))
	exec := NewExecutor(st, zerolog.Nop(), huntflow.NopSink{})
	sched := NewScheduler(eng, exec, WithSchedulerConfig(cfg), WithSchedulerLogger(zerolog.Nop()))

	terminal := make(chan *huntflow.WorkflowRun, 64)
	sched.OnTerminal = func(run *huntflow.WorkflowRun) {
		terminal <- run
	}
	return eng, sched, terminal
}

func waitTerminal(t *testing.T, terminal chan *huntflow.WorkflowRun, timeout time.Duration) *huntflow.WorkflowRun {
	t.Helper()
	select {
	case run := <-terminal:
		return run
	case <-time.After(timeout):
		t.Fatal("run did not terminate in time")
		return nil
	}
}

func TestScheduler_DrivesRunToCompletion(t *testing.T) {
	eng, sched, terminal := newTestScheduler(t, happyDefinition(t), fastSchedulerConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	run, _, err := eng.StartRun(ctx, acmeSignal())
	require.NoError(t, err)
	sched.SubmitNow(run.RunID)

	final := waitTerminal(t, terminal, 5*time.Second)
	assert.Equal(t, run.RunID, final.RunID)
	assert.Equal(t, huntflow.RunStateCompleted, final.State)
}

func TestScheduler_TickReportsDispatches(t *testing.T) {
	eng, sched, terminal := newTestScheduler(t, happyDefinition(t), fastSchedulerConfig)
	ctx := context.Background()

	// Nothing queued
	assert.Equal(t, 0, sched.Tick(ctx))

	run, _, err := eng.StartRun(ctx, acmeSignal())
	require.NoError(t, err)

	// Due now
	sched.SubmitNow(run.RunID)
	assert.Equal(t, 1, sched.Tick(ctx))
	waitTerminal(t, terminal, 5*time.Second)

	// Not yet due
	run2, _, err := eng.StartRun(ctx, signalFor("acct-later"))
	require.NoError(t, err)
	sched.Submit(run2.RunID, time.Now().Add(time.Hour))
	assert.Equal(t, 0, sched.Tick(ctx))
}

func TestScheduler_BoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32

	def, err := huntflow.NewDefinition("opportunity-hunt").
		Step("analyze_account", analyzeStep(func(ctx *huntflow.StepContext, sig huntflow.Signal) (briefOutput, error) {
			cur := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			return briefOutput{AccountID: sig.AccountID}, nil
		}), huntflow.WithRetry(fastRetry)).
		Build()
	require.NoError(t, err)

	cfg := fastSchedulerConfig
	cfg.MaxConcurrency = 2

	eng, sched, terminal := newTestScheduler(t, def, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	const runs = 8
	for i := 0; i < runs; i++ {
		run, _, err := eng.StartRun(ctx, signalFor(fmt.Sprintf("acct-%d", i)))
		require.NoError(t, err)
		sched.SubmitNow(run.RunID)
	}

	for i := 0; i < runs; i++ {
		final := waitTerminal(t, terminal, 10*time.Second)
		assert.Equal(t, huntflow.RunStateCompleted, final.State)
	}

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestScheduler_RetriesAfterBackoff(t *testing.T) {
	var attempts atomic.Int32

	def, err := huntflow.NewDefinition("opportunity-hunt").
		Step("analyze_account", analyzeStep(func(ctx *huntflow.StepContext, sig huntflow.Signal) (briefOutput, error) {
			if attempts.Add(1) < 2 {
				return briefOutput{}, huntflow.Transient(fmt.Errorf("first attempt fails"))
			}
			return briefOutput{AccountID: sig.AccountID}, nil
		}), huntflow.WithRetry(fastRetry)).
		Build()
	require.NoError(t, err)

	eng, sched, terminal := newTestScheduler(t, def, fastSchedulerConfig)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	run, _, err := eng.StartRun(ctx, acmeSignal())
	require.NoError(t, err)
	sched.SubmitNow(run.RunID)

	final := waitTerminal(t, terminal, 5*time.Second)
	assert.Equal(t, huntflow.RunStateCompleted, final.State)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestScheduler_ResolvesStaleInFlightAttempt(t *testing.T) {
	def, err := huntflow.NewDefinition("opportunity-hunt").
		Step("analyze_account", analyzeStep(func(ctx *huntflow.StepContext, sig huntflow.Signal) (briefOutput, error) {
			return briefOutput{AccountID: sig.AccountID}, nil
		}), huntflow.WithTimeout(10*time.Millisecond), huntflow.WithRetry(fastRetry)).
		Build()
	require.NoError(t, err)

	st := store.NewMemoryStore()
	eng := NewEngine(st, def, WithLogger(zerolog.Nop()))
	exec := NewExecutor(st, zerolog.Nop(), huntflow.NopSink{})
	sched := NewScheduler(eng, exec, WithSchedulerConfig(fastSchedulerConfig), WithSchedulerLogger(zerolog.Nop()))

	terminal := make(chan *huntflow.WorkflowRun, 1)
	sched.OnTerminal = func(run *huntflow.WorkflowRun) { terminal <- run }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	run, _, err := eng.StartRun(ctx, acmeSignal())
	require.NoError(t, err)

	// Simulate a worker that crashed after scheduling: an unresolved
	// SCHEDULED record old enough to be past timeout plus grace.
	require.NoError(t, st.Append(ctx, &huntflow.StepRecord{
		RunID:     run.RunID,
		StepName:  "analyze_account",
		Attempt:   1,
		Status:    huntflow.StepStatusScheduled,
		StartedAt: time.Now().Add(-time.Minute),
	}))

	go sched.Run(ctx)
	sched.SubmitNow(run.RunID)

	final := waitTerminal(t, terminal, 5*time.Second)
	assert.Equal(t, huntflow.RunStateCompleted, final.State)

	// History shows the closed-out attempt followed by the successful
	// second attempt.
	records, err := st.Load(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, huntflow.StepStatusTimedOut, records[1].Status)
	assert.Equal(t, 2, records[3].Attempt)
	assert.Equal(t, huntflow.StepStatusSucceeded, records[3].Status)
}

type recordingSink struct {
	mu     sync.Mutex
	events []huntflow.StepEvent
}

func (s *recordingSink) Emit(event huntflow.StepEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *recordingSink) byType(t huntflow.StepEventType) []huntflow.StepEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []huntflow.StepEvent
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func TestScheduler_EmitsRetryingEvents(t *testing.T) {
	var attempts atomic.Int32

	// A long enough backoff that the scheduler parks the run instead of
	// retrying inline.
	retry := fastRetry
	retry.InitialBackoff = 50 * time.Millisecond

	def, err := huntflow.NewDefinition("opportunity-hunt").
		Step("analyze_account", analyzeStep(func(ctx *huntflow.StepContext, sig huntflow.Signal) (briefOutput, error) {
			if attempts.Add(1) < 2 {
				return briefOutput{}, huntflow.Transient(fmt.Errorf("first attempt fails"))
			}
			return briefOutput{AccountID: sig.AccountID}, nil
		}), huntflow.WithRetry(retry)).
		Build()
	require.NoError(t, err)

	sink := &recordingSink{}
	st := store.NewMemoryStore()
	eng := NewEngine(st, def, WithLogger(zerolog.Nop()), WithSink(sink))
	exec := NewExecutor(st, zerolog.Nop(), sink)
	sched := NewScheduler(eng, exec, WithSchedulerConfig(fastSchedulerConfig), WithSchedulerLogger(zerolog.Nop()))

	terminal := make(chan *huntflow.WorkflowRun, 1)
	sched.OnTerminal = func(run *huntflow.WorkflowRun) { terminal <- run }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	run, _, err := eng.StartRun(ctx, acmeSignal())
	require.NoError(t, err)
	sched.SubmitNow(run.RunID)

	final := waitTerminal(t, terminal, 5*time.Second)
	assert.Equal(t, huntflow.RunStateCompleted, final.State)

	retries := sink.byType(huntflow.StepEventRetrying)
	require.NotEmpty(t, retries)
	assert.Equal(t, run.RunID, retries[0].RunID)
	assert.Equal(t, "analyze_account", retries[0].StepName)
	assert.Equal(t, 2, retries[0].Attempt)
}

func TestScheduler_SubmitIsIdempotent(t *testing.T) {
	eng, sched, terminal := newTestScheduler(t, happyDefinition(t), fastSchedulerConfig)
	ctx := context.Background()

	run, _, err := eng.StartRun(ctx, acmeSignal())
	require.NoError(t, err)

	sched.SubmitNow(run.RunID)
	sched.SubmitNow(run.RunID)
	sched.SubmitNow(run.RunID)

	// Only one dispatch happens for the triple submit
	assert.Equal(t, 1, sched.Tick(ctx))
	waitTerminal(t, terminal, 5*time.Second)
}
