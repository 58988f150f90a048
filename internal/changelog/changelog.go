// Package changelog turns recorded deployment events into a human readable
// report. Rendering is a pure function of its input: the same events always
// produce byte-identical output.
package changelog

import (
	"time"

	"github.com/trenchcoat-sh/deploypulse/internal/apperrors"
	"github.com/trenchcoat-sh/deploypulse/internal/classifier"
	"github.com/trenchcoat-sh/deploypulse/internal/model"
)

// ErrInvalidInput is returned for events that cannot be rendered
var ErrInvalidInput = apperrors.ErrRenderingInputInvalid

const defaultTitle = "Changelog"

// Options tune rendering
type Options struct {
	// Title heads the report
	Title string
	// GroupWindow merges events less than this apart into one section
	GroupWindow time.Duration
	// TitleBudget caps section titles, in runes
	TitleBudget int
}

// DefaultOptions returns one section per event with the default title budget
func DefaultOptions() Options {
	return Options{
		Title:       defaultTitle,
		TitleBudget: model.DefaultTitleBudget,
	}
}

// Metrics are the literal change figures shown for a section or a report
type Metrics struct {
	Commits      int `json:"commits"`
	FilesChanged int `json:"filesChanged"`
	LinesAdded   int `json:"linesAdded"`
	LinesRemoved int `json:"linesRemoved"`
	NetChange    int `json:"netChange"`
}

func (m *Metrics) add(u model.Update) {
	m.Commits += u.Commits
	m.FilesChanged += u.FilesChanged
	m.LinesAdded += u.LinesAdded
	m.LinesRemoved += u.LinesRemoved
	m.NetChange += u.NetChange()
}

// Section describes one announced update
type Section struct {
	Title      string          `json:"title"`
	Date       time.Time       `json:"date"`
	Type       model.EventType `json:"type"`
	Priority   model.Priority  `json:"priority"`
	Components []string        `json:"components"`
	Impact     string          `json:"impact"`
	Metrics    Metrics         `json:"metrics"`
	// Commits holds short commit ids, oldest first
	Commits []string `json:"commits"`
}

// Totals summarize the whole report
type Totals struct {
	Updates int `json:"updates"`
	Metrics
}

// Report is a rendered changelog, ready to be written in any format
type Report struct {
	Title    string    `json:"title"`
	From     time.Time `json:"from,omitzero"`
	To       time.Time `json:"to,omitzero"`
	Totals   Totals    `json:"totals"`
	Sections []Section `json:"sections"`
}

// Render validates events and builds a report from them. Events must be in
// chronological order; equal timestamps are allowed.
func Render(events []model.DeploymentEvent, opts Options) (*Report, error) {
	if err := validate(events); err != nil {
		return nil, err
	}

	if opts.Title == "" {
		opts.Title = defaultTitle
	}
	if opts.TitleBudget == 0 {
		opts.TitleBudget = model.DefaultTitleBudget
	}

	report := &Report{
		Title:    opts.Title,
		Sections: []Section{},
	}

	for _, u := range classifier.Coalesce(events, opts.GroupWindow, opts.TitleBudget) {
		report.Sections = append(report.Sections, newSection(u))
		report.Totals.Updates++
		report.Totals.add(u)
	}

	if n := len(events); n > 0 {
		report.From = events[0].Timestamp.UTC()
		report.To = events[n-1].Timestamp.UTC()
	}

	return report, nil
}

func validate(events []model.DeploymentEvent) error {
	for i, ev := range events {
		if err := ev.Validate(); err != nil {
			return apperrors.Wrap(apperrors.CodeRenderingInputInvalid, err, "event %d cannot be rendered", i)
		}
		if i > 0 && ev.Timestamp.Before(events[i-1].Timestamp) {
			return apperrors.Errorf(apperrors.CodeRenderingInputInvalid,
				"event %s at %s is older than the event before it",
				ev.ID, ev.Timestamp.UTC().Format(time.RFC3339))
		}
	}
	return nil
}

func newSection(u model.Update) Section {
	components := u.Components
	if components == nil {
		components = []string{}
	}

	commits := make([]string, 0, len(u.CommitIDs))
	for _, id := range u.CommitIDs {
		commits = append(commits, model.ShortID(id))
	}

	var m Metrics
	m.add(u)

	return Section{
		Title:      u.Title,
		Date:       u.FirstAt.UTC(),
		Type:       u.Type,
		Priority:   u.Priority,
		Components: components,
		Impact:     Impact(u.Type, u.Components),
		Metrics:    m,
		Commits:    commits,
	}
}
