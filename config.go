package huntflow

import "time"

// DefaultStepTimeout is the wall-clock budget for one activity attempt
// when the step definition does not set its own.
const DefaultStepTimeout = 30 * time.Second

// EngineConfig holds engine-level configuration.
type EngineConfig struct {
	// IntentThreshold is the minimum intent score that qualifies a
	// signal for a run.
	IntentThreshold int
}

// DefaultEngineConfig provides engine defaults. The threshold matches
// the intake filter of the original pipeline.
var DefaultEngineConfig = EngineConfig{
	IntentThreshold: 75,
}

// SchedulerConfig holds scheduler-level configuration.
type SchedulerConfig struct {
	// MaxConcurrency bounds the number of activity attempts executing
	// at once across all runs.
	MaxConcurrency int

	// StaleGrace is added to a step's timeout before an unresolved
	// SCHEDULED record left by a crashed worker is closed out as timed
	// out.
	StaleGrace time.Duration

	// TickInterval drives the background loop in Run.
	TickInterval time.Duration
}

// DefaultSchedulerConfig provides scheduler defaults.
var DefaultSchedulerConfig = SchedulerConfig{
	MaxConcurrency: 10,
	StaleGrace:     30 * time.Second,
	TickInterval:   500 * time.Millisecond,
}

// IntakeConfig holds signal intake configuration.
type IntakeConfig struct {
	// PollInterval is the delay between source polls.
	PollInterval time.Duration
}

// DefaultIntakeConfig provides intake defaults.
var DefaultIntakeConfig = IntakeConfig{
	PollInterval: 30 * time.Second,
}
