package store

import (
	"context"
	"sync"

	"github.com/tendorhq/huntflow"
)

// MemoryStore implements huntflow.HistoryStore using in-memory storage
// (for testing). Append enforces the same invariants as the DynamoDB
// store under a single mutex.
type MemoryStore struct {
	runs     map[string]*huntflow.WorkflowRun
	records  map[string][]*huntflow.StepRecord // runID -> records in append order
	inflight map[string]map[string]int         // runID -> stepName -> unresolved scheduled attempt
	resolved map[string]map[string]int         // runID -> stepName -> highest resolved attempt
	mu       sync.RWMutex
}

var _ huntflow.HistoryStore = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory history store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[string]*huntflow.WorkflowRun),
		records:  make(map[string][]*huntflow.StepRecord),
		inflight: make(map[string]map[string]int),
		resolved: make(map[string]map[string]int),
	}
}

// Workflow run operations

func (s *MemoryStore) CreateRun(ctx context.Context, run *huntflow.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.RunID]; exists {
		return huntflow.ErrRunExists
	}

	// Deep copy
	runCopy := *run
	s.runs[run.RunID] = &runCopy

	s.records[run.RunID] = nil
	s.inflight[run.RunID] = make(map[string]int)
	s.resolved[run.RunID] = make(map[string]int)

	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*huntflow.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[runID]
	if !exists {
		return nil, huntflow.ErrRunNotFound
	}

	// Deep copy
	runCopy := *run
	return &runCopy, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter huntflow.RunFilter) ([]*huntflow.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []*huntflow.WorkflowRun
	for _, run := range s.runs {
		if filter.AccountID != "" && run.AccountID != filter.AccountID {
			continue
		}

		// Deep copy
		runCopy := *run
		runs = append(runs, &runCopy)

		if filter.Limit > 0 && len(runs) >= filter.Limit {
			break
		}
	}

	return runs, nil
}

func (s *MemoryStore) RequestCancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.runs[runID]
	if !exists {
		return huntflow.ErrRunNotFound
	}

	run.CancelRequested = true
	return nil
}

// History operations

func (s *MemoryStore) Append(ctx context.Context, record *huntflow.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[record.RunID]; !exists {
		return huntflow.ErrRunNotFound
	}

	inflight := s.inflight[record.RunID]
	resolved := s.resolved[record.RunID]

	switch record.Status {
	case huntflow.StepStatusScheduled:
		if inflight[record.StepName] != 0 {
			return huntflow.ErrConflict
		}
		if record.Attempt <= resolved[record.StepName] {
			return huntflow.ErrConflict
		}
		inflight[record.StepName] = record.Attempt

	default:
		// Terminal records must resolve the matching scheduled attempt.
		if inflight[record.StepName] != record.Attempt {
			return huntflow.ErrConflict
		}
		delete(inflight, record.StepName)
		resolved[record.StepName] = record.Attempt
	}

	record.Seq = int64(len(s.records[record.RunID]) + 1)

	// Deep copy
	recordCopy := *record
	s.records[record.RunID] = append(s.records[record.RunID], &recordCopy)

	return nil
}

func (s *MemoryStore) Load(ctx context.Context, runID string) ([]*huntflow.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.runs[runID]; !exists {
		return nil, huntflow.ErrRunNotFound
	}

	records := make([]*huntflow.StepRecord, 0, len(s.records[runID]))
	for _, r := range s.records[runID] {
		// Deep copy
		recordCopy := *r
		records = append(records, &recordCopy)
	}

	return records, nil
}
