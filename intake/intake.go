// Package intake polls signal sources and admits qualifying signals
// into the engine. Sources own deduplication of already-processed
// accounts; the engine owns threshold filtering and coalescing.
package intake

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/tendorhq/huntflow"
	"github.com/tendorhq/huntflow/engine"
)

// Source produces intent signals. Poll returns the current batch of
// unprocessed signals; MarkProcessed acknowledges one so it is not
// returned again.
type Source interface {
	Poll(ctx context.Context) ([]huntflow.Signal, error)
	MarkProcessed(ctx context.Context, accountID string) error
}

// Poller drives a Source on an interval and submits accepted runs to
// the scheduler.
type Poller struct {
	source    Source
	engine    *engine.Engine
	scheduler *engine.Scheduler
	logger    zerolog.Logger
	config    huntflow.IntakeConfig
}

// PollerOption configures the poller
type PollerOption func(*Poller)

// WithPollerConfig sets a custom intake configuration
func WithPollerConfig(config huntflow.IntakeConfig) PollerOption {
	return func(p *Poller) {
		p.config = config
	}
}

// WithPollerLogger sets a custom logger for the poller
func WithPollerLogger(logger zerolog.Logger) PollerOption {
	return func(p *Poller) {
		p.logger = logger
	}
}

// NewPoller creates a poller feeding the engine from the source.
func NewPoller(source Source, eng *engine.Engine, sched *engine.Scheduler, opts ...PollerOption) *Poller {
	p := &Poller{
		source:    source,
		engine:    eng,
		scheduler: sched,
		logger:    zerolog.Nop(),
		config:    huntflow.DefaultIntakeConfig,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// PollOnce performs a single poll pass and returns how many new runs
// were started.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	signals, err := p.source.Poll(ctx)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, signal := range signals {
		run, created, err := p.engine.StartRun(ctx, signal)
		if err != nil {
			if errors.Is(err, huntflow.ErrBelowThreshold) {
				continue
			}
			p.logger.Error().
				Err(err).
				Str("account_id", signal.AccountID).
				Msg("Failed to start run for signal")
			continue
		}

		// The source stops re-offering this account whether the signal
		// started a run or coalesced into one.
		if err := p.source.MarkProcessed(ctx, signal.AccountID); err != nil {
			p.logger.Warn().
				Err(err).
				Str("account_id", signal.AccountID).
				Msg("Failed to mark signal processed")
		}

		if created {
			started++
			p.scheduler.SubmitNow(run.RunID)
		}
	}

	return started, nil
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := p.PollOnce(ctx); err != nil {
			p.logger.Error().Err(err).Msg("Signal poll failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
