package model

import (
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Update is one or more deployment events merged into a single announcement.
// It is what publishers deliver and what a changelog section describes.
type Update struct {
	// ID is the id of the event that opened the update
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Type         EventType `json:"type"`
	Priority     Priority  `json:"priority"`
	Components   []string  `json:"components"`
	CommitIDs    []string  `json:"commit_ids"`
	Commits      int       `json:"commits"`
	FilesChanged int       `json:"files_changed"`
	LinesAdded   int       `json:"lines_added"`
	LinesRemoved int       `json:"lines_removed"`
	FirstAt      time.Time `json:"first_at"`
	LastAt       time.Time `json:"last_at"`
	// Coalesced counts the events merged in after the first one
	Coalesced int `json:"coalesced"`
}

// NewUpdate starts an update from a single event
func NewUpdate(ev DeploymentEvent) Update {
	return Update{
		ID:           ev.ID,
		Title:        ev.Title,
		Type:         ev.Type,
		Priority:     ev.Priority,
		Components:   sets.List(sets.New(ev.Components...)),
		CommitIDs:    []string{ev.CommitID},
		Commits:      1,
		FilesChanged: ev.FilesChanged,
		LinesAdded:   ev.LinesAdded,
		LinesRemoved: ev.LinesRemoved,
		FirstAt:      ev.Timestamp,
		LastAt:       ev.Timestamp,
	}
}

// Merge folds ev into the update: metrics are summed, components unioned and
// type/priority follow the highest-priority constituent. The title stays the
// one of the first commit.
func (u *Update) Merge(ev DeploymentEvent) {
	if ev.Priority > u.Priority {
		u.Priority = ev.Priority
		u.Type = ev.Type
	}

	u.Components = sets.List(sets.New(u.Components...).Insert(ev.Components...))
	u.CommitIDs = append(u.CommitIDs, ev.CommitID)
	u.Commits++
	u.FilesChanged += ev.FilesChanged
	u.LinesAdded += ev.LinesAdded
	u.LinesRemoved += ev.LinesRemoved
	u.Coalesced++

	if ev.Timestamp.Before(u.FirstAt) {
		u.FirstAt = ev.Timestamp
	}
	if ev.Timestamp.After(u.LastAt) {
		u.LastAt = ev.Timestamp
	}
}

// NetChange is lines added minus lines removed across all merged commits
func (u Update) NetChange() int {
	return u.LinesAdded - u.LinesRemoved
}

// Contains reports whether the commit is part of the update
func (u Update) Contains(commitID string) bool {
	for _, id := range u.CommitIDs {
		if id == commitID {
			return true
		}
	}
	return false
}
