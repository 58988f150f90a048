package model

import (
	"time"

	"github.com/trenchcoat-sh/deploypulse/internal/apperrors"
)

// FileChange is one changed path of a commit with its diff stats
type FileChange struct {
	Path    string `json:"path"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
}

// Commit is what the version control collaborator hands to the classifier
type Commit struct {
	ID        string       `json:"id"`
	Message   string       `json:"message"`
	Author    string       `json:"author,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Files     []FileChange `json:"files"`
}

// Validate rejects commits that cannot be classified meaningfully
func (c Commit) Validate() error {
	if c.ID == "" {
		return apperrors.Errorf(apperrors.CodeMalformedInput, "commit has no id")
	}
	if c.Timestamp.IsZero() {
		return apperrors.Errorf(apperrors.CodeMalformedInput, "commit %s has no timestamp", c.ID)
	}
	for i, f := range c.Files {
		if f.Path == "" {
			return apperrors.Errorf(apperrors.CodeMalformedInput, "commit %s: file %d has an empty path", c.ID, i)
		}
		if f.Added < 0 || f.Removed < 0 {
			return apperrors.Errorf(apperrors.CodeMalformedInput,
				"commit %s: file %s has negative line counts (+%d/-%d)", c.ID, f.Path, f.Added, f.Removed)
		}
	}
	return nil
}

// ShortID returns the first seven characters of a commit id
func ShortID(id string) string {
	if len(id) > 7 {
		return id[:7]
	}
	return id
}
