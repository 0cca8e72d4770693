// Package observe provides step event sinks. Events are advisory by
// contract: a slow or full sink never blocks the executor.
package observe

import (
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/tendorhq/huntflow"
)

// LogSink writes every step event to a structured logger.
type LogSink struct {
	logger zerolog.Logger
}

var _ huntflow.Sink = (*LogSink)(nil)

// NewLogSink creates a logging sink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Emit implements huntflow.Sink.
func (s *LogSink) Emit(event huntflow.StepEvent) {
	ev := s.logger.Debug().
		Str("event", "step_transition").
		Str("transition", string(event.Type)).
		Str("run_id", event.RunID).
		Str("account_id", event.AccountID).
		Str("step_name", event.StepName).
		Int("attempt", event.Attempt)
	if event.ErrorKind != "" {
		ev = ev.Str("error_kind", event.ErrorKind.String())
	}
	ev.Msg("Step transition")
}

// AsyncSink decouples event consumers from the executor through a
// bounded buffer. When the buffer is full the event is dropped and
// counted, never blocked on.
type AsyncSink struct {
	ch      chan huntflow.StepEvent
	next    huntflow.Sink
	done    chan struct{}
	dropped atomic.Int64
}

var _ huntflow.Sink = (*AsyncSink)(nil)

// NewAsyncSink creates an async sink draining into next. Close it to
// stop the drain goroutine.
func NewAsyncSink(next huntflow.Sink, buffer int) *AsyncSink {
	s := &AsyncSink{
		ch:   make(chan huntflow.StepEvent, buffer),
		next: next,
		done: make(chan struct{}),
	}
	go s.drain()
	return s
}

// Emit implements huntflow.Sink.
func (s *AsyncSink) Emit(event huntflow.StepEvent) {
	select {
	case s.ch <- event:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded on a full buffer.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops the drain goroutine after the buffer empties.
func (s *AsyncSink) Close() {
	close(s.ch)
	<-s.done
}

func (s *AsyncSink) drain() {
	defer close(s.done)
	for event := range s.ch {
		s.next.Emit(event)
	}
}
