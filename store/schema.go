package store

import "fmt"

// DynamoDB schema constants for single-table design
const (
	// Table attributes
	AttrPK         = "PK"
	AttrSK         = "SK"
	AttrGSI1PK     = "GSI1PK"
	AttrGSI1SK     = "GSI1SK"
	AttrEntityType = "entity_type"

	// Append bookkeeping on the run meta row
	AttrLastSeq  = "last_seq"
	AttrInflight = "inflight_attempts"
	AttrResolved = "resolved_attempts"
	AttrCancel   = "cancel_requested"

	// Entity types
	EntityTypeWorkflowRun = "WorkflowRun"
	EntityTypeStepRecord  = "StepRecord"

	// Index names
	IndexAccountIndex = "GSI1"
)

// Key builders for single-table design

// WorkflowRun keys: PK=RUN#{runID}, SK=META
func runPK(runID string) string {
	return fmt.Sprintf("RUN#%s", runID)
}

func runMetaSK() string {
	return "META"
}

func runGSI1PK(accountID string) string {
	return fmt.Sprintf("ACCOUNT#%s", accountID)
}

func runGSI1SK(createdAt string) string {
	return createdAt
}

// StepRecord keys: PK=RUN#{runID}, SK=REC#{seq}. The sequence is
// zero-padded so lexicographic SK order is append order.
func recordSK(seq int64) string {
	return fmt.Sprintf("REC#%010d", seq)
}

func recordPrefix() string {
	return "REC#"
}
