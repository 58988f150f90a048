package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/trenchcoat-sh/deploypulse/internal/apperrors"
	"github.com/trenchcoat-sh/deploypulse/internal/model"
)

const lockRetryDelay = 25 * time.Millisecond

// FileLog stores events as JSON lines. Appends from concurrent processes are
// serialized with a lock file next to the log.
type FileLog struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

// NewFileLog opens the log at path, creating its directory if needed
func NewFileLog(path string) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStateUnavailable, err, "failed to create event log directory")
	}
	return &FileLog{path: path, lock: flock.New(path + ".lock")}, nil
}

// Path returns the log file location
func (l *FileLog) Path() string {
	return l.path
}

func (l *FileLog) Append(ctx context.Context, ev model.DeploymentEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	unlock, err := l.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	events, err := l.read()
	if err != nil {
		return err
	}
	for _, existing := range events {
		if existing.CommitID == ev.CommitID {
			return fmt.Errorf("%w: %s", ErrDuplicate, model.ShortID(ev.CommitID))
		}
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStateUnavailable, err, "failed to open %s", l.path)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return apperrors.Wrap(apperrors.CodeStateUnavailable, err, "failed to append to %s", l.path)
	}
	if err := f.Close(); err != nil {
		return apperrors.Wrap(apperrors.CodeStateUnavailable, err, "failed to append to %s", l.path)
	}
	return nil
}

func (l *FileLog) List(ctx context.Context) ([]model.DeploymentEvent, error) {
	unlock, err := l.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	events, err := l.read()
	if err != nil {
		return nil, err
	}
	sortChronologically(events)
	return events, nil
}

func (l *FileLog) Get(ctx context.Context, key string) (model.DeploymentEvent, error) {
	events, err := l.List(ctx)
	if err != nil {
		return model.DeploymentEvent{}, err
	}
	return find(events, key)
}

func (l *FileLog) Close() error {
	return nil
}

func (l *FileLog) acquire(ctx context.Context) (func(), error) {
	l.mu.Lock()

	locked, err := l.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		l.mu.Unlock()
		if err == nil {
			err = ctx.Err()
		}
		return nil, apperrors.Wrap(apperrors.CodeStateUnavailable, err, "failed to lock %s", l.lock.Path())
	}

	return func() {
		_ = l.lock.Unlock()
		l.mu.Unlock()
	}, nil
}

func (l *FileLog) read() ([]model.DeploymentEvent, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStateUnavailable, err, "failed to read %s", l.path)
	}

	var events []model.DeploymentEvent
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for n := 1; scanner.Scan(); n++ {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev model.DeploymentEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeMalformedInput, err, "%s:%d is not a valid event", l.path, n)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStateUnavailable, err, "failed to read %s", l.path)
	}
	return events, nil
}
