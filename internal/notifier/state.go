package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/trenchcoat-sh/deploypulse/internal/apperrors"
	"github.com/trenchcoat-sh/deploypulse/internal/model"
)

const lockRetryDelay = 25 * time.Millisecond

// SentRecord remembers the last notification that left the process
type SentRecord struct {
	BatchID  string         `json:"batchId"`
	At       time.Time      `json:"at"`
	Priority model.Priority `json:"priority"`
}

// Window is an open coalescing window waiting to be flushed
type Window struct {
	OpenedAt time.Time    `json:"openedAt"`
	FlushAt  time.Time    `json:"flushAt"`
	Update   model.Update `json:"update"`
}

// State is everything the notifier needs to rate limit across invocations
type State struct {
	LastSent *SentRecord `json:"lastSent,omitempty"`
	Pending  *Window     `json:"pending,omitempty"`
	// RecentCommitIDs holds the commits of recently claimed batches, newest last
	RecentCommitIDs []string `json:"recentCommitIds,omitempty"`
}

func (s *State) seen(commitID string) bool {
	if s.Pending != nil && s.Pending.Update.Contains(commitID) {
		return true
	}
	for _, id := range s.RecentCommitIDs {
		if id == commitID {
			return true
		}
	}
	return false
}

func (s *State) remember(commitIDs []string, limit int) {
	s.RecentCommitIDs = append(s.RecentCommitIDs, commitIDs...)
	if limit > 0 && len(s.RecentCommitIDs) > limit {
		s.RecentCommitIDs = append([]string(nil), s.RecentCommitIDs[len(s.RecentCommitIDs)-limit:]...)
	}
}

// StateStore serializes access to the notifier state. Update runs fn with
// exclusive access and persists the state when fn returns nil.
type StateStore interface {
	Update(ctx context.Context, fn func(*State) error) error
	Load(ctx context.Context) (State, error)
}

// MemoryStore keeps state for the lifetime of the process
type MemoryStore struct {
	mu    sync.Mutex
	state State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Update(_ context.Context, fn func(*State) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := cloneState(m.state)
	if err := fn(&next); err != nil {
		return err
	}
	m.state = next
	return nil
}

func (m *MemoryStore) Load(_ context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneState(m.state), nil
}

// FileStore persists state as JSON next to a lock file so that concurrent
// hook invocations (separate processes) take turns.
type FileStore struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

// NewFileStore creates a store at path, locking path + ".lock"
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStateUnavailable, err, "failed to create state directory")
	}
	return &FileStore{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

// Path returns the state file location
func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) Update(ctx context.Context, fn func(*State) error) error {
	unlock, err := f.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	state, err := f.read()
	if err != nil {
		return err
	}
	if err := fn(&state); err != nil {
		return err
	}
	return f.write(state)
}

func (f *FileStore) Load(ctx context.Context) (State, error) {
	unlock, err := f.acquire(ctx)
	if err != nil {
		return State{}, err
	}
	defer unlock()
	return f.read()
}

func (f *FileStore) acquire(ctx context.Context) (func(), error) {
	// flock is per open file description, so goroutines sharing this store
	// need their own mutual exclusion on top of it.
	f.mu.Lock()

	locked, err := f.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		f.mu.Unlock()
		if err == nil {
			err = ctx.Err()
		}
		return nil, apperrors.Wrap(apperrors.CodeStateUnavailable, err, "failed to lock %s", f.lock.Path())
	}

	return func() {
		_ = f.lock.Unlock()
		f.mu.Unlock()
	}, nil
}

func (f *FileStore) read() (State, error) {
	var state State
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return state, nil
	}
	if err != nil {
		return state, apperrors.Wrap(apperrors.CodeStateUnavailable, err, "failed to read %s", f.path)
	}
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, apperrors.Wrap(apperrors.CodeStateUnavailable, err, "failed to parse %s", f.path)
	}
	return state, nil
}

func (f *FileStore) write(state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStateUnavailable, err, "failed to encode state")
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".notifier-state-*")
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStateUnavailable, err, "failed to write state")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return apperrors.Wrap(apperrors.CodeStateUnavailable, err, "failed to write state")
	}
	if err := tmp.Close(); err != nil {
		return apperrors.Wrap(apperrors.CodeStateUnavailable, err, "failed to write state")
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return apperrors.Wrap(apperrors.CodeStateUnavailable, err, "failed to replace %s", f.path)
	}
	return nil
}

func cloneState(s State) State {
	out := State{RecentCommitIDs: append([]string(nil), s.RecentCommitIDs...)}
	if s.LastSent != nil {
		sent := *s.LastSent
		out.LastSent = &sent
	}
	if s.Pending != nil {
		pending := *s.Pending
		pending.Update.Components = append([]string(nil), s.Pending.Update.Components...)
		pending.Update.CommitIDs = append([]string(nil), s.Pending.Update.CommitIDs...)
		out.Pending = &pending
	}
	return out
}
