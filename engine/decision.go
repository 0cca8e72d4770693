package engine

import (
	"encoding/json"
	"time"

	"github.com/tendorhq/huntflow"
)

// DecisionKind enumerates what the engine wants done next for a run.
type DecisionKind string

const (
	// DecideExecuteStep instructs the executor to attempt a step now.
	DecideExecuteStep DecisionKind = "EXECUTE_STEP"

	// DecideAwaitRetry means the current step failed retryably and the
	// run must sleep until ResumeAt.
	DecideAwaitRetry DecisionKind = "AWAIT_RETRY"

	// DecideWait means an attempt is already in flight (an unresolved
	// SCHEDULED record exists). Seen only during recovery; the run must
	// not be advanced until the attempt resolves.
	DecideWait DecisionKind = "WAIT"

	// DecideComplete means every step succeeded.
	DecideComplete DecisionKind = "COMPLETE"

	// DecideFail means a step exhausted its retry budget or failed
	// non-retryably.
	DecideFail DecisionKind = "FAIL"

	// DecideAbandon means a cancel request is honored at this decision
	// point.
	DecideAbandon DecisionKind = "ABANDON"
)

// Decision is the outcome of folding a run's history through its
// definition. Exactly the fields relevant to the Kind are populated.
type Decision struct {
	Kind DecisionKind

	// ExecuteStep and Wait
	Step    huntflow.StepDef
	Attempt int
	Input   json.RawMessage

	// Wait: when the unresolved attempt was scheduled, for staleness
	// checks during recovery.
	ScheduledAt time.Time

	// AwaitRetry
	ResumeAt time.Time

	// Complete
	Result json.RawMessage

	// Fail
	FailureKind   huntflow.ErrorKind
	FailureReason string
}

// Decide folds the run's ordered history through the definition and
// returns the next decision. It is a pure function of its arguments:
// no I/O, no clock reads, no randomness. Replaying the same history at
// the same instant always yields the same decision.
func Decide(def *huntflow.Definition, run *huntflow.WorkflowRun, records []*huntflow.StepRecord, now time.Time) Decision {
	// Signal is a plain data struct; marshaling it cannot fail.
	input, _ := json.Marshal(run.Signal)

	for _, sd := range def.Steps() {
		last := lastRecordFor(records, sd.Name)

		if last == nil {
			if run.CancelRequested {
				return Decision{Kind: DecideAbandon}
			}
			return Decision{Kind: DecideExecuteStep, Step: sd, Attempt: 1, Input: input}
		}

		switch last.Status {
		case huntflow.StepStatusScheduled:
			return Decision{
				Kind:        DecideWait,
				Step:        sd,
				Attempt:     last.Attempt,
				ScheduledAt: last.StartedAt,
			}

		case huntflow.StepStatusSucceeded:
			input = last.Output
			continue

		case huntflow.StepStatusFailed, huntflow.StepStatusTimedOut:
			if !sd.Retry.ShouldRetry(last.Attempt, last.ErrorKind) {
				return Decision{
					Kind:          DecideFail,
					Step:          sd,
					FailureKind:   last.ErrorKind,
					FailureReason: last.ErrorReason,
				}
			}

			if run.CancelRequested {
				return Decision{Kind: DecideAbandon}
			}

			endedAt := last.StartedAt
			if last.EndedAt != nil {
				endedAt = *last.EndedAt
			}
			resumeAt := endedAt.Add(sd.Retry.BackoffFor(run.RunID, sd.Name, last.Attempt))
			if now.Before(resumeAt) {
				return Decision{Kind: DecideAwaitRetry, Step: sd, Attempt: last.Attempt + 1, ResumeAt: resumeAt}
			}
			return Decision{Kind: DecideExecuteStep, Step: sd, Attempt: last.Attempt + 1, Input: input}
		}
	}

	return Decision{Kind: DecideComplete, Result: input}
}

// Rehydrate fills the run's derived fields from its history. The stored
// run row never carries state; this is the only way it gets any.
func Rehydrate(def *huntflow.Definition, run *huntflow.WorkflowRun, records []*huntflow.StepRecord) {
	run.State = huntflow.RunStatePending
	run.StepCursor = 0
	run.Result = nil
	run.FailureKind = ""
	run.FailureReason = ""

	d := Decide(def, run, records, time.Now())

	cursor := 0
	for _, sd := range def.Steps() {
		last := lastRecordFor(records, sd.Name)
		if last == nil || last.Status != huntflow.StepStatusSucceeded {
			break
		}
		cursor++
	}
	run.StepCursor = cursor

	switch d.Kind {
	case DecideExecuteStep:
		if len(records) == 0 {
			run.State = huntflow.RunStatePending
		} else {
			run.State = huntflow.RunStateRunning
		}
	case DecideWait:
		run.State = huntflow.RunStateRunning
	case DecideAwaitRetry:
		run.State = huntflow.RunStateAwaitingRetry
	case DecideComplete:
		run.State = huntflow.RunStateCompleted
		run.Result = d.Result
	case DecideFail:
		run.State = huntflow.RunStateFailed
		run.FailureKind = d.FailureKind
		run.FailureReason = d.FailureReason
	case DecideAbandon:
		run.State = huntflow.RunStateAbandoned
	}
}

// lastRecordFor returns the highest-Seq record for the step, or nil.
// Records arrive in append order, so the last match wins.
func lastRecordFor(records []*huntflow.StepRecord, stepName string) *huntflow.StepRecord {
	var last *huntflow.StepRecord
	for _, r := range records {
		if r.StepName == stepName {
			last = r
		}
	}
	return last
}
