// Package store provides HistoryStore implementations: a DynamoDB
// single-table store for production and an in-memory store for tests.
//
// Both enforce the append invariants the engine relies on: Seq is
// assigned in strict per-run order, at most one SCHEDULED record per
// (run, step) is unresolved at a time, and a resolved attempt can never
// be resolved again.
package store
