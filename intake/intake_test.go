package intake

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendorhq/huntflow"
	"github.com/tendorhq/huntflow/engine"
	"github.com/tendorhq/huntflow/store"
)

type analyzeIn = huntflow.Signal

type analyzeOut struct {
	AccountID string `json:"accountId"`
}

func pollerFixture(t *testing.T) (*engine.Engine, *engine.Scheduler, huntflow.HistoryStore) {
	t.Helper()

	def, err := huntflow.NewDefinition("opportunity-hunt").
		Step("analyze_account", huntflow.NewActivity(huntflow.StepKindAnalyze,
			func(ctx *huntflow.StepContext, sig analyzeIn) (analyzeOut, error) {
				return analyzeOut{AccountID: sig.AccountID}, nil
			})).
		Build()
	require.NoError(t, err)

	st := store.NewMemoryStore()
	eng := engine.NewEngine(st, def, engine.WithLogger(zerolog.Nop()))
	exec := engine.NewExecutor(st, zerolog.Nop(), huntflow.NopSink{})
	sched := engine.NewScheduler(eng, exec, engine.WithSchedulerLogger(zerolog.Nop()))
	return eng, sched, st
}

func TestPoller_PollOnce(t *testing.T) {
	eng, sched, _ := pollerFixture(t)
	src := NewFileSource(writeFeed(t))
	poller := NewPoller(src, eng, sched)
	ctx := context.Background()

	started, err := poller.PollOnce(ctx)
	require.NoError(t, err)
	// acct-acme qualifies; acct-beta is below threshold; acct-done is
	// already processed
	assert.Equal(t, 1, started)

	runs, err := eng.ListRuns(ctx, huntflow.RunFilter{AccountID: "acct-acme"})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	// Accepted signals are acknowledged to the source
	signals, err := src.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "acct-beta", signals[0].AccountID)
}

func TestPoller_RepeatPollDoesNotDuplicate(t *testing.T) {
	eng, sched, _ := pollerFixture(t)
	src := NewFileSource(writeFeed(t))
	poller := NewPoller(src, eng, sched)
	ctx := context.Background()

	started, err := poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)

	// The account was marked processed, so nothing new starts
	started, err = poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, started)

	runs, err := eng.ListRuns(ctx, huntflow.RunFilter{AccountID: "acct-acme"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	eng, sched, _ := pollerFixture(t)
	src := NewFileSource(writeFeed(t))
	poller := NewPoller(src, eng, sched, WithPollerConfig(huntflow.IntakeConfig{
		PollInterval: 5 * time.Millisecond,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		poller.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop after cancel")
	}
}
