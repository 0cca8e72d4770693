package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/tendorhq/huntflow"
)

// fileAccount is one entry in the account feed file. It is the signal
// plus a processed marker the source writes back.
type fileAccount struct {
	huntflow.Signal
	Processed bool `json:"processed,omitempty"`
}

// FileSource reads signals from a JSON account feed on disk, the same
// shape the mock intent feed uses. Processed accounts are written back
// to the file so they survive restarts.
type FileSource struct {
	path string
	mu   sync.Mutex
}

var _ Source = (*FileSource)(nil)

// NewFileSource creates a file-backed signal source.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Poll implements Source. It returns every unprocessed signal in the
// feed; threshold filtering is the engine's job.
func (s *FileSource) Poll(ctx context.Context) ([]huntflow.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accounts, err := s.load()
	if err != nil {
		return nil, err
	}

	var signals []huntflow.Signal
	for _, account := range accounts {
		if account.Processed {
			continue
		}
		signals = append(signals, account.Signal)
	}

	return signals, nil
}

// MarkProcessed implements Source. The marker is persisted to the feed
// file.
func (s *FileSource) MarkProcessed(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	accounts, err := s.load()
	if err != nil {
		return err
	}

	found := false
	for i := range accounts {
		if accounts[i].AccountID == accountID {
			accounts[i].Processed = true
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("account %s not found in feed", accountID)
	}

	return s.save(accounts)
}

func (s *FileSource) load() ([]fileAccount, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read account feed: %w", err)
	}

	var accounts []fileAccount
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("failed to parse account feed: %w", err)
	}

	return accounts, nil
}

func (s *FileSource) save(accounts []fileAccount) error {
	data, err := json.MarshalIndent(accounts, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal account feed: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write account feed: %w", err)
	}

	return nil
}
