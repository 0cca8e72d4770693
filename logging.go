package huntflow

import (
	"time"

	"github.com/rs/zerolog"
)

// Log event names
const (
	// Run-level events
	EventRunStarted   = "run_started"
	EventRunCoalesced = "run_coalesced"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunAbandoned = "run_abandoned"

	// Step-level events
	EventStepStarted   = "step_started"
	EventStepRetrying  = "step_retrying"
	EventStepSucceeded = "step_succeeded"
	EventStepFailed    = "step_failed"
	EventStepTimedOut  = "step_timed_out"
	EventStepStale     = "step_stale"

	// Intake events
	EventSignalAccepted = "signal_accepted"
	EventSignalRejected = "signal_rejected"

	// Persistence events
	EventHistoryConflict  = "history_conflict"
	EventPersistenceError = "persistence_error"
)

// LogRunStarted logs when a run is created for a signal
func LogRunStarted(logger zerolog.Logger, runID, accountID string, intentScore int) {
	logger.Info().
		Str("event", EventRunStarted).
		Str("run_id", runID).
		Str("account_id", accountID).
		Int("intent_score", intentScore).
		Msg("Run started")
}

// LogRunCoalesced logs when a duplicate signal joins an active run
func LogRunCoalesced(logger zerolog.Logger, runID, accountID string) {
	logger.Info().
		Str("event", EventRunCoalesced).
		Str("run_id", runID).
		Str("account_id", accountID).
		Msg("Signal coalesced into active run")
}

// LogRunCompleted logs successful run completion
func LogRunCompleted(logger zerolog.Logger, runID string, duration time.Duration) {
	logger.Info().
		Str("event", EventRunCompleted).
		Str("run_id", runID).
		Dur("duration", duration).
		Msg("Run completed")
}

// LogRunFailed logs terminal run failure
func LogRunFailed(logger zerolog.Logger, runID string, kind ErrorKind, reason string) {
	logger.Error().
		Str("event", EventRunFailed).
		Str("run_id", runID).
		Str("error_kind", kind.String()).
		Str("reason", reason).
		Msg("Run failed")
}

// LogRunAbandoned logs run abandonment after a cancel request
func LogRunAbandoned(logger zerolog.Logger, runID string) {
	logger.Warn().
		Str("event", EventRunAbandoned).
		Str("run_id", runID).
		Msg("Run abandoned")
}

// LogStepStarted logs when an activity attempt starts
func LogStepStarted(logger zerolog.Logger, runID, stepName string, attempt int) {
	logger.Info().
		Str("event", EventStepStarted).
		Str("run_id", runID).
		Str("step_name", stepName).
		Int("attempt", attempt).
		Msg("Step started")
}

// LogStepRetrying logs a scheduled retry and its backoff
func LogStepRetrying(logger zerolog.Logger, runID, stepName string, attempt int, backoff time.Duration) {
	logger.Warn().
		Str("event", EventStepRetrying).
		Str("run_id", runID).
		Str("step_name", stepName).
		Int("attempt", attempt).
		Dur("backoff", backoff).
		Msg("Step retrying")
}

// LogStepSucceeded logs successful step completion
func LogStepSucceeded(logger zerolog.Logger, runID, stepName string, durationMs int64) {
	logger.Info().
		Str("event", EventStepSucceeded).
		Str("run_id", runID).
		Str("step_name", stepName).
		Int64("duration_ms", durationMs).
		Msg("Step succeeded")
}

// LogStepFailed logs a failed attempt with its classified kind
func LogStepFailed(logger zerolog.Logger, runID, stepName string, kind ErrorKind, err error, attempt int) {
	logger.Error().
		Str("event", EventStepFailed).
		Str("run_id", runID).
		Str("step_name", stepName).
		Str("error_kind", kind.String()).
		Err(err).
		Int("attempt", attempt).
		Msg("Step failed")
}

// LogStepTimedOut logs an attempt exceeding its wall-clock budget
func LogStepTimedOut(logger zerolog.Logger, runID, stepName string, attempt int, timeout time.Duration) {
	logger.Error().
		Str("event", EventStepTimedOut).
		Str("run_id", runID).
		Str("step_name", stepName).
		Int("attempt", attempt).
		Dur("timeout", timeout).
		Msg("Step timed out")
}

// LogStepStale logs closure of a scheduled record left by a dead worker
func LogStepStale(logger zerolog.Logger, runID, stepName string, attempt int) {
	logger.Warn().
		Str("event", EventStepStale).
		Str("run_id", runID).
		Str("step_name", stepName).
		Int("attempt", attempt).
		Msg("Stale in-flight step closed out")
}

// LogSignalAccepted logs a signal passing the intake threshold
func LogSignalAccepted(logger zerolog.Logger, accountID string, intentScore int) {
	logger.Info().
		Str("event", EventSignalAccepted).
		Str("account_id", accountID).
		Int("intent_score", intentScore).
		Msg("Signal accepted")
}

// LogSignalRejected logs a signal below the intake threshold
func LogSignalRejected(logger zerolog.Logger, accountID string, intentScore, threshold int) {
	logger.Debug().
		Str("event", EventSignalRejected).
		Str("account_id", accountID).
		Int("intent_score", intentScore).
		Int("threshold", threshold).
		Msg("Signal rejected")
}

// LogHistoryConflict logs a lost append race
func LogHistoryConflict(logger zerolog.Logger, runID, stepName string) {
	logger.Debug().
		Str("event", EventHistoryConflict).
		Str("run_id", runID).
		Str("step_name", stepName).
		Msg("History append conflict")
}

// LogPersistenceError logs errors during persistence operations
func LogPersistenceError(logger zerolog.Logger, runID, operation string, err error) {
	logger.Error().
		Str("event", EventPersistenceError).
		Str("run_id", runID).
		Str("operation", operation).
		Err(err).
		Msg("Persistence error")
}

// RunLogger creates a logger enriched with run context
func RunLogger(baseLogger zerolog.Logger, runID, accountID string) zerolog.Logger {
	return baseLogger.With().
		Str("run_id", runID).
		Str("account_id", accountID).
		Logger()
}

// StepLogger creates a logger enriched with step context
func StepLogger(runLogger zerolog.Logger, stepName string, attempt int) zerolog.Logger {
	return runLogger.With().
		Str("step_name", stepName).
		Int("attempt", attempt).
		Logger()
}
