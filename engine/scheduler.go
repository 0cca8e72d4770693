package engine

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tendorhq/huntflow"
	"golang.org/x/sync/semaphore"
)

// schedItem is one queued wake-up for a run.
type schedItem struct {
	runID string
	dueAt time.Time
	index int
}

// schedQueue is a min-heap ordered by due time.
type schedQueue []*schedItem

func (q schedQueue) Len() int            { return len(q) }
func (q schedQueue) Less(i, j int) bool  { return q[i].dueAt.Before(q[j].dueAt) }
func (q schedQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *schedQueue) Push(x interface{}) {
	item := x.(*schedItem)
	item.index = len(*q)
	*q = append(*q, item)
}
func (q *schedQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Scheduler drives runs to completion. It owns a due-time queue and a
// bounded worker pool; at most one worker advances a given run at a
// time, so per-run history appends are naturally serialized.
type Scheduler struct {
	engine   *Engine
	executor *Executor
	logger   zerolog.Logger
	config   huntflow.SchedulerConfig

	sem *semaphore.Weighted

	mu       sync.Mutex
	queue    schedQueue
	queued   map[string]bool
	inflight map[string]bool

	wake chan struct{}
	wg   sync.WaitGroup

	// OnTerminal is invoked once when a run reaches a terminal state.
	OnTerminal func(run *huntflow.WorkflowRun)
}

// SchedulerOption configures the scheduler
type SchedulerOption func(*Scheduler)

// WithSchedulerConfig sets a custom scheduler configuration
func WithSchedulerConfig(config huntflow.SchedulerConfig) SchedulerOption {
	return func(s *Scheduler) {
		s.config = config
	}
}

// WithSchedulerLogger sets a custom logger for the scheduler
func WithSchedulerLogger(logger zerolog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// NewScheduler creates a scheduler over the given engine and executor.
func NewScheduler(eng *Engine, exec *Executor, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		engine:   eng,
		executor: exec,
		logger:   eng.logger,
		config:   huntflow.DefaultSchedulerConfig,
		queued:   make(map[string]bool),
		inflight: make(map[string]bool),
		wake:     make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.sem = semaphore.NewWeighted(int64(s.config.MaxConcurrency))
	heap.Init(&s.queue)
	return s
}

// Submit enqueues a run for advancement at dueAt. Submitting a run
// already queued or in flight is a no-op; the run will be re-examined
// when its current work resolves.
func (s *Scheduler) Submit(runID string, dueAt time.Time) {
	s.mu.Lock()
	if s.queued[runID] || s.inflight[runID] {
		s.mu.Unlock()
		return
	}
	s.queued[runID] = true
	heap.Push(&s.queue, &schedItem{runID: runID, dueAt: dueAt})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// SubmitNow enqueues a run for immediate advancement.
func (s *Scheduler) SubmitNow(runID string) {
	s.Submit(runID, time.Now())
}

// Tick dispatches every due run to a worker and returns how many were
// dispatched. It does not wait for the workers to finish.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := time.Now()
	dispatched := 0

	for {
		s.mu.Lock()
		if s.queue.Len() == 0 || s.queue[0].dueAt.After(now) {
			s.mu.Unlock()
			return dispatched
		}
		item := heap.Pop(&s.queue).(*schedItem)
		if s.inflight[item.runID] {
			// A worker still owns this run; look again next tick.
			item.dueAt = now.Add(s.config.TickInterval)
			heap.Push(&s.queue, item)
			s.mu.Unlock()
			continue
		}
		delete(s.queued, item.runID)
		s.inflight[item.runID] = true
		s.mu.Unlock()

		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.release(item.runID)
			return dispatched
		}

		dispatched++
		s.wg.Add(1)
		go func(runID string) {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.advanceRun(ctx, runID)
		}(item.runID)
	}
}

// Run drives the queue until the context is cancelled, then waits for
// in-flight workers to drain.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-s.wake:
			s.Tick(ctx)
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Drain waits for all in-flight workers to finish.
func (s *Scheduler) Drain() {
	s.wg.Wait()
}

func (s *Scheduler) release(runID string) {
	s.mu.Lock()
	delete(s.inflight, runID)
	s.mu.Unlock()
}

// advanceRun loops the decide-execute cycle for one run until the run
// parks (retry backoff, in-flight wait) or terminates.
func (s *Scheduler) advanceRun(ctx context.Context, runID string) {
	defer s.release(runID)

	for {
		if ctx.Err() != nil {
			return
		}

		run, d, err := s.engine.Advance(ctx, runID)
		if err != nil {
			huntflow.LogPersistenceError(s.logger, runID, "advance", err)
			return
		}

		switch d.Kind {
		case DecideExecuteStep:
			if _, err := s.executor.ExecuteStep(ctx, run, d); err != nil {
				if errors.Is(err, huntflow.ErrConflict) {
					// Another worker owns the attempt; recompute.
					continue
				}
				return
			}

		case DecideAwaitRetry:
			huntflow.LogStepRetrying(s.logger, runID, d.Step.Name, d.Attempt, time.Until(d.ResumeAt))
			s.engine.sink.Emit(huntflow.StepEvent{
				Type:      huntflow.StepEventRetrying,
				RunID:     runID,
				AccountID: run.AccountID,
				StepName:  d.Step.Name,
				Attempt:   d.Attempt,
				At:        time.Now(),
			})
			s.requeue(runID, d.ResumeAt)
			return

		case DecideWait:
			s.resolveOrRequeue(ctx, run, d)
			return

		case DecideComplete:
			huntflow.LogRunCompleted(s.logger, runID, time.Since(run.CreatedAt))
			s.finish(ctx, runID)
			return

		case DecideFail:
			huntflow.LogRunFailed(s.logger, runID, d.FailureKind, d.FailureReason)
			s.finish(ctx, runID)
			return

		case DecideAbandon:
			huntflow.LogRunAbandoned(s.logger, runID)
			s.finish(ctx, runID)
			return
		}
	}
}

// resolveOrRequeue handles an unresolved SCHEDULED record found during
// recovery. Past the step's timeout plus a grace period the attempt's
// worker is presumed dead and the record is closed out as timed out;
// otherwise the run is re-examined later.
func (s *Scheduler) resolveOrRequeue(ctx context.Context, run *huntflow.WorkflowRun, d Decision) {
	deadline := d.ScheduledAt.Add(d.Step.Timeout + s.config.StaleGrace)
	if time.Now().Before(deadline) {
		s.requeue(run.RunID, deadline)
		return
	}

	record := &huntflow.StepRecord{
		RunID:       run.RunID,
		StepName:    d.Step.Name,
		Attempt:     d.Attempt,
		Status:      huntflow.StepStatusTimedOut,
		ErrorKind:   huntflow.ErrorKindTimeout,
		ErrorReason: "in-flight attempt presumed lost",
		StartedAt:   d.ScheduledAt,
		EndedAt:     huntflow.ToPtr(time.Now()),
	}
	if err := s.engine.store.Append(ctx, record); err != nil {
		if !errors.Is(err, huntflow.ErrConflict) {
			huntflow.LogPersistenceError(s.logger, run.RunID, "append_stale", err)
		}
		// Conflict means the attempt resolved after all.
	} else {
		huntflow.LogStepStale(s.logger, run.RunID, d.Step.Name, d.Attempt)
	}

	s.requeue(run.RunID, time.Now())
}

// requeue re-enqueues a run whose worker is about to release it.
func (s *Scheduler) requeue(runID string, dueAt time.Time) {
	s.mu.Lock()
	if !s.queued[runID] {
		s.queued[runID] = true
		heap.Push(&s.queue, &schedItem{runID: runID, dueAt: dueAt})
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) finish(ctx context.Context, runID string) {
	if s.OnTerminal == nil {
		return
	}
	run, err := s.engine.GetRun(ctx, runID)
	if err != nil {
		huntflow.LogPersistenceError(s.logger, runID, "get_run", err)
		return
	}
	s.OnTerminal(run)
}
