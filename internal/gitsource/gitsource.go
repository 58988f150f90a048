// Package gitsource reads commits from a git repository or from a JSON file
// and hands them to the classifier.
package gitsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/trenchcoat-sh/deploypulse/internal/apperrors"
	"github.com/trenchcoat-sh/deploypulse/internal/model"
)

const (
	recordSep = "\x1e"
	fieldSep  = "\x1f"

	// hash, author, author date, raw body; numstat lines follow the last separator
	logFormat = "--format=" + recordSep + "%H" + fieldSep + "%an" + fieldSep + "%aI" + fieldSep + "%B" + fieldSep
)

// Runner executes git with args in dir and returns its standard output
type Runner func(ctx context.Context, dir string, args ...string) ([]byte, error)

// ExecRunner runs the git binary found on PATH
func ExecRunner(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Repository reads commits from a working copy
type Repository struct {
	dir string
	run Runner
}

// NewRepository creates a reader for the repository at dir. A nil runner
// uses ExecRunner.
func NewRepository(dir string, run Runner) *Repository {
	if run == nil {
		run = ExecRunner
	}
	return &Repository{dir: dir, run: run}
}

// Commits returns the commits selected by revisions (for example
// "v1.2.0..HEAD"), oldest first
func (r *Repository) Commits(ctx context.Context, revisions ...string) ([]model.Commit, error) {
	args := append([]string{"log", "--reverse", "--numstat", "-M", logFormat}, revisions...)

	log.FromContext(ctx).V(1).Info("Reading git history", "dir", r.dir, "revisions", revisions)

	out, err := r.run(ctx, r.dir, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUsage, err, "failed to read commits %s", strings.Join(revisions, " "))
	}
	return ParseLog(out)
}

// Head returns the most recent commit
func (r *Repository) Head(ctx context.Context) (model.Commit, error) {
	commits, err := r.Commits(ctx, "-1", "HEAD")
	if err != nil {
		return model.Commit{}, err
	}
	if len(commits) == 0 {
		return model.Commit{}, apperrors.Errorf(apperrors.CodeNotFound, "repository has no commits")
	}
	return commits[0], nil
}

// ParseLog parses the output of git log in the format Commits requests.
// Binary files count zero lines and renamed files are reported under their
// new path.
func ParseLog(out []byte) ([]model.Commit, error) {
	var commits []model.Commit

	for _, record := range strings.Split(string(out), recordSep) {
		if strings.TrimSpace(record) == "" {
			continue
		}

		fields := strings.SplitN(record, fieldSep, 5)
		if len(fields) != 5 {
			return nil, apperrors.Errorf(apperrors.CodeMalformedInput, "unexpected git log record %q", truncate(record))
		}

		ts, err := time.Parse(time.RFC3339, strings.TrimSpace(fields[2]))
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeMalformedInput, err, "commit %s has an invalid date", fields[0])
		}

		commit := model.Commit{
			ID:        strings.TrimSpace(fields[0]),
			Author:    fields[1],
			Message:   strings.TrimSpace(fields[3]),
			Timestamp: ts.UTC(),
		}

		files, err := parseNumstat(fields[4])
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeMalformedInput, err, "commit %s", model.ShortID(commit.ID))
		}
		commit.Files = files

		commits = append(commits, commit)
	}

	sortCommits(commits)
	return commits, nil
}

func parseNumstat(block string) ([]model.FileChange, error) {
	var files []model.FileChange
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("unexpected numstat line %q", line)
		}

		added, err := numstatCount(parts[0])
		if err != nil {
			return nil, err
		}
		removed, err := numstatCount(parts[1])
		if err != nil {
			return nil, err
		}

		files = append(files, model.FileChange{
			Path:    renamedPath(parts[2]),
			Added:   added,
			Removed: removed,
		})
	}
	return files, nil
}

// numstatCount parses a line count; binary files report "-"
func numstatCount(s string) (int, error) {
	if s == "-" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid line count %q", s)
	}
	return n, nil
}

// renamedPath resolves "old => new" and "dir/{old => new}/file" to the new path
func renamedPath(p string) string {
	if open := strings.Index(p, "{"); open >= 0 {
		if closing := strings.Index(p[open:], "}"); closing >= 0 {
			closing += open
			inner := p[open+1 : closing]
			if arrow := strings.Index(inner, " => "); arrow >= 0 {
				joined := p[:open] + inner[arrow+len(" => "):] + p[closing+1:]
				return strings.TrimPrefix(strings.ReplaceAll(joined, "//", "/"), "/")
			}
		}
	}
	if arrow := strings.Index(p, " => "); arrow >= 0 {
		return p[arrow+len(" => "):]
	}
	return p
}

// ReadFile loads commits from a JSON array, oldest first
func ReadFile(path string) ([]model.Commit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeNotFound, err, "failed to read %s", path)
	}
	return Decode(data)
}

// Decode parses a JSON array of commits and validates each one
func Decode(data []byte) ([]model.Commit, error) {
	var commits []model.Commit
	if err := json.Unmarshal(data, &commits); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeMalformedInput, err, "invalid commits file")
	}
	for _, c := range commits {
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}
	sortCommits(commits)
	return commits, nil
}

func sortCommits(commits []model.Commit) {
	sort.SliceStable(commits, func(i, j int) bool {
		return commits[i].Timestamp.Before(commits[j].Timestamp)
	})
}

func truncate(s string) string {
	return model.Truncate(strings.TrimSpace(s), 40)
}
