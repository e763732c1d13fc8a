// package ledger implements the durable pending-ingest ledger shared by the
// poll loop and the webhook receiver. All reads and writes go through
// Transact, which serializes every transaction system-wide behind a
// cross-process file lock and persists the result atomically.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

var (
	// ErrBusy is returned when the exclusive lock cannot be acquired within
	// the configured wait. Callers are expected to retry on their next cycle.
	ErrBusy = errors.New("ledger: lock busy")

	// ErrCorrupt is returned when the on-disk state file exists but cannot be
	// parsed. The ledger never repairs itself: guessing contents risks
	// double-committing or losing in-flight work.
	ErrCorrupt = errors.New("ledger: state file corrupt")
)

// PendingEntry tracks one in-flight submission awaiting its callback.
type PendingEntry struct {
	CorrelationID  string          `json:"correlation_id"`
	SourceKey      string          `json:"source_key"`
	MappedKey      string          `json:"mapped_key"`
	CreatedAt      time.Time       `json:"created_at"`
	SubmitResponse json.RawMessage `json:"submit_response,omitempty"`
}

// CallbackEvent is a completion notification recorded by the webhook
// receiver, consumed by the finalizer.
type CallbackEvent struct {
	CorrelationID string          `json:"correlation_id"`
	Status        string          `json:"status"`
	DBDocumentID  string          `json:"db_document_id,omitempty"`
	Error         string          `json:"error,omitempty"`
	ReceivedAt    time.Time       `json:"received_at"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

// Outcome records the terminal result for a source key.
type Outcome struct {
	Status        string    `json:"status"`
	CorrelationID string    `json:"correlation_id"`
	MappedKey     string    `json:"mapped_key,omitempty"`
	DBDocumentID  string    `json:"db_document_id,omitempty"`
	Error         string    `json:"error,omitempty"`
	FinalizedAt   time.Time `json:"finalized_at"`
}

// Callback / outcome statuses.
const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)

// State is the full persisted ledger document.
type State struct {
	ProcessedKeys []string                 `json:"processed_keys"`
	Pending       map[string]PendingEntry  `json:"pending_ingests"`
	Events        map[string]CallbackEvent `json:"webhook_events"`
	Results       map[string]Outcome       `json:"ingest_results"`
}

// normalize ensures the expected shape after loading older or empty documents.
func (s *State) normalize() {
	if s.ProcessedKeys == nil {
		s.ProcessedKeys = []string{}
	}
	if s.Pending == nil {
		s.Pending = map[string]PendingEntry{}
	}
	if s.Events == nil {
		s.Events = map[string]CallbackEvent{}
	}
	if s.Results == nil {
		s.Results = map[string]Outcome{}
	}
}

// HasProcessed reports whether key already has a terminal OK outcome.
func (s *State) HasProcessed(key string) bool {
	for _, k := range s.ProcessedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// MarkProcessed appends key to ProcessedKeys if absent.
func (s *State) MarkProcessed(key string) {
	if !s.HasProcessed(key) {
		s.ProcessedKeys = append(s.ProcessedKeys, key)
	}
}

// Ledger is a file-backed transactional store. The zero value is not usable;
// construct with New.
type Ledger struct {
	path     string
	lockPath string
	lockWait time.Duration
}

// New returns a Ledger persisting to path, guarded by a co-located
// "<path>.lock" file. lockWait bounds how long Transact waits for the lock.
func New(path string, lockWait time.Duration) *Ledger {
	if lockWait <= 0 {
		lockWait = 10 * time.Second
	}
	return &Ledger{
		path:     path,
		lockPath: path + ".lock",
		lockWait: lockWait,
	}
}

// Transact acquires the exclusive lock, loads the current state (or an empty
// initial state if the file does not exist), applies fn in place, persists the
// result atomically, and releases the lock. fn returning an error aborts the
// transaction without persisting. This is the only sanctioned entry point to
// the ledger; a nil fn performs a consistent read.
func (l *Ledger) Transact(ctx context.Context, fn func(*State) error) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: mkdir: %w", err)
	}

	fl := flock.New(l.lockPath)
	lockCtx, cancel := context.WithTimeout(ctx, l.lockWait)
	defer cancel()
	ok, err := fl.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil || !ok {
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("ledger: acquire lock: %w", err)
		}
		return nil, ErrBusy
	}
	defer fl.Unlock()

	state, err := l.load()
	if err != nil {
		return nil, err
	}

	if fn != nil {
		if err := fn(state); err != nil {
			return nil, err
		}
		if err := l.persist(state); err != nil {
			return nil, err
		}
	}
	return state, nil
}

func (l *Ledger) load() (*State, error) {
	b, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s := &State{}
			s.normalize()
			return s, nil
		}
		return nil, fmt.Errorf("ledger: read state: %w", err)
	}
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, l.path, err)
	}
	s.normalize()
	return &s, nil
}

// persist writes state to a uniquely-named temp file in the same directory,
// fsyncs, then renames over the target path. A crash mid-write leaves either
// the previous or the new document, never a partial one.
func (l *Ledger) persist(s *State) error {
	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, "state_*.json")
	if err != nil {
		return fmt.Errorf("ledger: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		tmp.Close()
		return fmt.Errorf("ledger: encode state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("ledger: fsync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ledger: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return fmt.Errorf("ledger: rename state: %w", err)
	}
	return nil
}
