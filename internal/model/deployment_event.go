package model

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/trenchcoat-sh/deploypulse/internal/apperrors"
)

// DefaultTitleBudget is the maximum title length in runes, ellipsis included
const DefaultTitleBudget = 72

const ellipsis = "..."

// DeploymentEvent is one classified commit. Events are immutable once
// recorded in the event log.
type DeploymentEvent struct {
	ID           string    `json:"id"`
	CommitID     string    `json:"commit_id"`
	Author       string    `json:"author,omitempty"`
	Message      string    `json:"message"`
	Title        string    `json:"title"`
	Timestamp    time.Time `json:"timestamp"`
	Type         EventType `json:"type"`
	Priority     Priority  `json:"priority"`
	Components   []string  `json:"components"`
	FilesChanged int       `json:"files_changed"`
	LinesAdded   int       `json:"lines_added"`
	LinesRemoved int       `json:"lines_removed"`
	Rule         string    `json:"rule,omitempty"` // matched type rule, empty on fallback
}

// NetChange is lines added minus lines removed; negative for net deletions
func (e DeploymentEvent) NetChange() int {
	return e.LinesAdded - e.LinesRemoved
}

// TotalLines is the magnitude of the change in both directions
func (e DeploymentEvent) TotalLines() int {
	return e.LinesAdded + e.LinesRemoved
}

// Validate checks the invariants every recorded event must hold
func (e DeploymentEvent) Validate() error {
	switch {
	case e.ID == "":
		return apperrors.Errorf(apperrors.CodeMalformedInput, "event has no id")
	case e.CommitID == "":
		return apperrors.Errorf(apperrors.CodeMalformedInput, "event %s has no commit id", e.ID)
	case e.Timestamp.IsZero():
		return apperrors.Errorf(apperrors.CodeMalformedInput, "event %s has no timestamp", e.ID)
	case !e.Type.Valid():
		return apperrors.Errorf(apperrors.CodeMalformedInput, "event %s has unknown type %q", e.ID, e.Type)
	case !e.Priority.Valid():
		return apperrors.Errorf(apperrors.CodeMalformedInput, "event %s has invalid priority %d", e.ID, int(e.Priority))
	case e.LinesAdded < 0 || e.LinesRemoved < 0:
		return apperrors.Errorf(apperrors.CodeMalformedInput,
			"event %s has negative line counts (+%d/-%d)", e.ID, e.LinesAdded, e.LinesRemoved)
	case e.FilesChanged < 0:
		return apperrors.Errorf(apperrors.CodeMalformedInput, "event %s has negative files changed", e.ID)
	}
	return nil
}

// TitleFromMessage takes the first non-empty line of a commit message and
// truncates it to budget runes
func TitleFromMessage(message string, budget int) string {
	for _, line := range strings.Split(message, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return Truncate(line, budget)
		}
	}
	return ""
}

// Truncate shortens s to at most budget runes, ending in "..." when cut
func Truncate(s string, budget int) string {
	if budget <= 0 || utf8.RuneCountInString(s) <= budget {
		return s
	}
	if budget <= len(ellipsis) {
		return string([]rune(s)[:budget])
	}
	runes := []rune(s)[:budget-len(ellipsis)]
	return strings.TrimRight(string(runes), " ") + ellipsis
}
