// Package eventlog records classified deployment events. The log is append
// only: an event is written once per commit and never modified.
package eventlog

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/trenchcoat-sh/deploypulse/internal/apperrors"
	"github.com/trenchcoat-sh/deploypulse/internal/model"
)

// ErrDuplicate is returned when the commit of an appended event is already
// recorded
var ErrDuplicate = errors.New("commit already recorded")

// minPrefix is the shortest commit prefix Get accepts
const minPrefix = 4

// Log is an append-only store of deployment events
type Log interface {
	// Append records ev. It returns ErrDuplicate if ev.CommitID is present.
	Append(ctx context.Context, ev model.DeploymentEvent) error
	// List returns all events, oldest first
	List(ctx context.Context) ([]model.DeploymentEvent, error)
	// Get finds an event by id or by a unique commit id prefix
	Get(ctx context.Context, key string) (model.DeploymentEvent, error)
	Close() error
}

// Open returns a PostgresLog for postgres:// URLs and a FileLog otherwise
func Open(ctx context.Context, location string) (Log, error) {
	if strings.HasPrefix(location, "postgres://") || strings.HasPrefix(location, "postgresql://") {
		return NewPostgresLog(ctx, location)
	}
	return NewFileLog(location)
}

// AppendAll appends events, skipping the ones already recorded. It returns
// the events that were new.
func AppendAll(ctx context.Context, log Log, events []model.DeploymentEvent) ([]model.DeploymentEvent, error) {
	var added []model.DeploymentEvent
	for _, ev := range events {
		err := log.Append(ctx, ev)
		if errors.Is(err, ErrDuplicate) {
			continue
		}
		if err != nil {
			return added, err
		}
		added = append(added, ev)
	}
	return added, nil
}

func sortChronologically(events []model.DeploymentEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}

// find resolves key against events: an exact event id wins, otherwise key
// must prefix exactly one commit id.
func find(events []model.DeploymentEvent, key string) (model.DeploymentEvent, error) {
	if key == "" {
		return model.DeploymentEvent{}, apperrors.Errorf(apperrors.CodeUsage, "event id is empty")
	}

	var matches []model.DeploymentEvent
	for _, ev := range events {
		if ev.ID == key || ev.CommitID == key {
			return ev, nil
		}
		if len(key) >= minPrefix && strings.HasPrefix(ev.CommitID, key) {
			matches = append(matches, ev)
		}
	}

	switch len(matches) {
	case 0:
		return model.DeploymentEvent{}, apperrors.Errorf(apperrors.CodeNotFound, "no event matches %q", key)
	case 1:
		return matches[0], nil
	default:
		return model.DeploymentEvent{}, apperrors.Errorf(apperrors.CodeUsage,
			"%q matches %d commits, use a longer prefix", key, len(matches))
	}
}
