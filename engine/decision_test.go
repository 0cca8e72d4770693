package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendorhq/huntflow"
)

func decisionTestRun() *huntflow.WorkflowRun {
	now := time.Now()
	return &huntflow.WorkflowRun{
		RunID:        "run-1",
		DefinitionID: "opportunity-hunt",
		AccountID:    "acct-acme",
		Signal:       huntflow.Signal{AccountID: "acct-acme", CompanyName: "Acme Corp", IntentScore: 92},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func record(step string, attempt int, status huntflow.StepStatus, seq int64) *huntflow.StepRecord {
	started := time.Now().Add(-time.Minute)
	ended := started.Add(time.Second)
	r := &huntflow.StepRecord{
		RunID:     "run-1",
		StepName:  step,
		Attempt:   attempt,
		Seq:       seq,
		Status:    status,
		StartedAt: started,
	}
	if status != huntflow.StepStatusScheduled {
		r.EndedAt = &ended
	}
	if status == huntflow.StepStatusFailed {
		r.ErrorKind = huntflow.ErrorKindTransient
		r.ErrorReason = "collaborator hiccup"
	}
	if status == huntflow.StepStatusTimedOut {
		r.ErrorKind = huntflow.ErrorKindTimeout
		r.ErrorReason = "attempt exceeded budget"
	}
	return r
}

func TestDecide_EmptyHistorySchedulesFirstStep(t *testing.T) {
	def := happyDefinition(t)
	run := decisionTestRun()

	d := Decide(def, run, nil, time.Now())
	require.Equal(t, DecideExecuteStep, d.Kind)
	assert.Equal(t, "analyze_account", d.Step.Name)
	assert.Equal(t, 1, d.Attempt)

	// The first step's input is the signal snapshot
	var sig huntflow.Signal
	require.NoError(t, json.Unmarshal(d.Input, &sig))
	assert.Equal(t, "acct-acme", sig.AccountID)
}

func TestDecide_IsDeterministic(t *testing.T) {
	def := happyDefinition(t)
	run := decisionTestRun()

	records := []*huntflow.StepRecord{
		record("analyze_account", 1, huntflow.StepStatusScheduled, 1),
		record("analyze_account", 1, huntflow.StepStatusFailed, 2),
	}

	now := time.Now()
	first := Decide(def, run, records, now)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Decide(def, run, records, now))
	}
}

func TestDecide_UnresolvedScheduledMeansWait(t *testing.T) {
	def := happyDefinition(t)
	run := decisionTestRun()

	records := []*huntflow.StepRecord{
		record("analyze_account", 1, huntflow.StepStatusScheduled, 1),
	}

	d := Decide(def, run, records, time.Now())
	require.Equal(t, DecideWait, d.Kind)
	assert.Equal(t, "analyze_account", d.Step.Name)
	assert.Equal(t, 1, d.Attempt)
	assert.Equal(t, records[0].StartedAt, d.ScheduledAt)
}

func TestDecide_SucceededStepFeedsNext(t *testing.T) {
	def := happyDefinition(t)
	run := decisionTestRun()

	output := json.RawMessage(`{"accountId":"acct-acme","summary":"brief"}`)
	success := record("analyze_account", 1, huntflow.StepStatusSucceeded, 2)
	success.Output = output

	records := []*huntflow.StepRecord{
		record("analyze_account", 1, huntflow.StepStatusScheduled, 1),
		success,
	}

	d := Decide(def, run, records, time.Now())
	require.Equal(t, DecideExecuteStep, d.Kind)
	assert.Equal(t, "deliver_brief", d.Step.Name)
	assert.Equal(t, 1, d.Attempt)
	assert.Equal(t, output, d.Input)
}

func TestDecide_RetryableFailureWaitsOutBackoff(t *testing.T) {
	def := happyDefinition(t)
	run := decisionTestRun()

	failed := record("analyze_account", 1, huntflow.StepStatusFailed, 2)
	records := []*huntflow.StepRecord{
		record("analyze_account", 1, huntflow.StepStatusScheduled, 1),
		failed,
	}

	// Immediately after the failure the run must sleep
	d := Decide(def, run, records, failed.EndedAt.Add(time.Microsecond))
	require.Equal(t, DecideAwaitRetry, d.Kind)
	assert.True(t, d.ResumeAt.After(*failed.EndedAt))

	// Once the backoff elapses, the next attempt is scheduled
	d = Decide(def, run, records, failed.EndedAt.Add(time.Minute))
	require.Equal(t, DecideExecuteStep, d.Kind)
	assert.Equal(t, 2, d.Attempt)
}

func TestDecide_TimeoutRetriesLikeTransient(t *testing.T) {
	def := happyDefinition(t)
	run := decisionTestRun()

	timedOut := record("analyze_account", 1, huntflow.StepStatusTimedOut, 2)
	records := []*huntflow.StepRecord{
		record("analyze_account", 1, huntflow.StepStatusScheduled, 1),
		timedOut,
	}

	d := Decide(def, run, records, timedOut.EndedAt.Add(time.Minute))
	require.Equal(t, DecideExecuteStep, d.Kind)
	assert.Equal(t, 2, d.Attempt)
}

func TestDecide_ExhaustedRetriesFail(t *testing.T) {
	def := happyDefinition(t)
	run := decisionTestRun()

	var records []*huntflow.StepRecord
	seq := int64(1)
	for attempt := 1; attempt <= fastRetry.MaxAttempts; attempt++ {
		records = append(records, record("analyze_account", attempt, huntflow.StepStatusScheduled, seq))
		seq++
		records = append(records, record("analyze_account", attempt, huntflow.StepStatusFailed, seq))
		seq++
	}

	d := Decide(def, run, records, time.Now().Add(time.Hour))
	require.Equal(t, DecideFail, d.Kind)
	assert.Equal(t, huntflow.ErrorKindTransient, d.FailureKind)
	assert.Equal(t, "collaborator hiccup", d.FailureReason)
}

func TestDecide_AllStepsSucceededCompletes(t *testing.T) {
	def := happyDefinition(t)
	run := decisionTestRun()

	receipt := json.RawMessage(`{"deliveryId":"dlv-1"}`)
	deliverDone := record("deliver_brief", 1, huntflow.StepStatusSucceeded, 4)
	deliverDone.Output = receipt

	analyzeDone := record("analyze_account", 1, huntflow.StepStatusSucceeded, 2)
	analyzeDone.Output = json.RawMessage(`{"accountId":"acct-acme"}`)

	records := []*huntflow.StepRecord{
		record("analyze_account", 1, huntflow.StepStatusScheduled, 1),
		analyzeDone,
		record("deliver_brief", 1, huntflow.StepStatusScheduled, 3),
		deliverDone,
	}

	d := Decide(def, run, records, time.Now())
	require.Equal(t, DecideComplete, d.Kind)
	assert.Equal(t, receipt, d.Result)
}

func TestDecide_CancelHonoredBetweenSteps(t *testing.T) {
	def := happyDefinition(t)
	run := decisionTestRun()
	run.CancelRequested = true

	analyzeDone := record("analyze_account", 1, huntflow.StepStatusSucceeded, 2)
	records := []*huntflow.StepRecord{
		record("analyze_account", 1, huntflow.StepStatusScheduled, 1),
		analyzeDone,
	}

	d := Decide(def, run, records, time.Now())
	assert.Equal(t, DecideAbandon, d.Kind)
}

func TestDecide_CancelDoesNotInterruptInFlight(t *testing.T) {
	def := happyDefinition(t)
	run := decisionTestRun()
	run.CancelRequested = true

	records := []*huntflow.StepRecord{
		record("analyze_account", 1, huntflow.StepStatusScheduled, 1),
	}

	// The in-flight attempt resolves first; abandonment comes after
	d := Decide(def, run, records, time.Now())
	assert.Equal(t, DecideWait, d.Kind)
}

func TestRehydrate_DerivedFields(t *testing.T) {
	def := happyDefinition(t)

	// Fresh run
	run := decisionTestRun()
	Rehydrate(def, run, nil)
	assert.Equal(t, huntflow.RunStatePending, run.State)
	assert.Equal(t, 0, run.StepCursor)

	// Mid-run with a retry pending
	run = decisionTestRun()
	failed := record("analyze_account", 1, huntflow.StepStatusFailed, 2)
	failed.StartedAt = time.Now()
	ended := time.Now()
	failed.EndedAt = &ended
	Rehydrate(def, run, []*huntflow.StepRecord{
		record("analyze_account", 1, huntflow.StepStatusScheduled, 1),
		failed,
	})
	assert.Equal(t, huntflow.RunStateAwaitingRetry, run.State)

	// Failed run carries the failure detail
	run = decisionTestRun()
	var records []*huntflow.StepRecord
	seq := int64(1)
	for attempt := 1; attempt <= fastRetry.MaxAttempts; attempt++ {
		records = append(records, record("analyze_account", attempt, huntflow.StepStatusScheduled, seq))
		seq++
		records = append(records, record("analyze_account", attempt, huntflow.StepStatusFailed, seq))
		seq++
	}
	Rehydrate(def, run, records)
	assert.Equal(t, huntflow.RunStateFailed, run.State)
	assert.Equal(t, huntflow.ErrorKindTransient, run.FailureKind)
	assert.Equal(t, "collaborator hiccup", run.FailureReason)
}
