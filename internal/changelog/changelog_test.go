package changelog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/trenchcoat-sh/deploypulse/internal/apperrors"
	"github.com/trenchcoat-sh/deploypulse/internal/classifier"
	"github.com/trenchcoat-sh/deploypulse/internal/model"
)

var start = time.Date(2025, 6, 2, 23, 7, 12, 0, time.UTC)

func event(id string, at time.Time, typ model.EventType, priority model.Priority, components ...string) model.DeploymentEvent {
	return model.DeploymentEvent{
		ID:           "ev-" + id,
		CommitID:     id + "0000000000",
		Title:        "Commit " + id,
		Timestamp:    at,
		Type:         typ,
		Priority:     priority,
		Components:   components,
		FilesChanged: 2,
		LinesAdded:   4,
		LinesRemoved: 17,
	}
}

func TestJoinComponents(t *testing.T) {
	tests := []struct {
		components []string
		expected   string
	}{
		{nil, "the system"},
		{[]string{"Database"}, "Database"},
		{[]string{"Database", "Tests"}, "Database and Tests"},
		{[]string{"Dashboard", "Database", "Tests"}, "Dashboard, Database and Tests"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := JoinComponents(tt.components); got != tt.expected {
				t.Errorf("JoinComponents(%v) = %q, expected %q", tt.components, got, tt.expected)
			}
		})
	}
}

func TestImpact_CoversEveryType(t *testing.T) {
	for _, typ := range model.EventTypes {
		got := Impact(typ, []string{"Database"})
		if !strings.Contains(got, "Database") {
			t.Errorf("Impact(%s) = %q, expected the component to be named", typ, got)
		}
	}
}

func TestRender_AutoDeployExample(t *testing.T) {
	c := classifier.New(classifier.DefaultRules())
	ev := c.Classify(context.Background(), model.Commit{
		ID:        "9f2c1e7a4b",
		Message:   "Auto-deploy sync - 23:07:12",
		Timestamp: start,
		Files:     []model.FileChange{{Path: "streamlit_app.py", Added: 1, Removed: 1}},
	})

	report, err := Render([]model.DeploymentEvent{ev}, DefaultOptions())
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	if len(report.Sections) != 1 {
		t.Fatalf("expected 1 section, got %d", len(report.Sections))
	}
	section := report.Sections[0]
	if want := "Updates to Main Dashboard improve overall system quality."; section.Impact != want {
		t.Errorf("Impact = %q, expected %q", section.Impact, want)
	}
	if section.Type != model.EventTypeOther || section.Priority != model.PriorityLow {
		t.Errorf("badges = %s/%s, expected Other/LOW", section.Type, section.Priority)
	}

	var buf bytes.Buffer
	if err := report.WriteMarkdown(&buf); err != nil {
		t.Fatalf("WriteMarkdown() error = %v", err)
	}
	for _, want := range []string{
		"## Auto-deploy sync - 23:07:12",
		"`Other` `LOW`",
		"**Components:** Main Dashboard",
		"| 1 | 1 | 1 | 1 | 0 |",
		"`9f2c1e7`",
	} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("markdown missing %q:\n%s", want, buf.String())
		}
	}
}

func TestRender_Deterministic(t *testing.T) {
	events := []model.DeploymentEvent{
		event("a1", start, model.EventTypeFeature, model.PriorityLow, "Dashboard"),
		event("a2", start.Add(time.Minute), model.EventTypeBugfix, model.PriorityHigh, "Database", "Tests"),
		event("a3", start.Add(time.Hour), model.EventTypeOther, model.PriorityMedium),
	}

	for _, format := range []Format{FormatMarkdown, FormatJSON} {
		t.Run(string(format), func(t *testing.T) {
			render := func() []byte {
				report, err := Render(events, Options{GroupWindow: 5 * time.Minute})
				if err != nil {
					t.Fatalf("Render() error = %v", err)
				}
				var buf bytes.Buffer
				if err := report.Write(&buf, format); err != nil {
					t.Fatalf("Write() error = %v", err)
				}
				return buf.Bytes()
			}

			first, second := render(), render()
			if !bytes.Equal(first, second) {
				t.Errorf("output differs between renders:\n%s\n---\n%s", first, second)
			}
		})
	}
}

func TestRender_Grouping(t *testing.T) {
	events := []model.DeploymentEvent{
		event("b1", start, model.EventTypeFeature, model.PriorityLow, "Dashboard"),
		event("b2", start.Add(time.Minute), model.EventTypeBugfix, model.PriorityHigh, "Database"),
		event("b3", start.Add(time.Hour), model.EventTypeDocs, model.PriorityLow),
	}

	ungrouped, err := Render(events, DefaultOptions())
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if len(ungrouped.Sections) != 3 {
		t.Errorf("expected one section per event, got %d", len(ungrouped.Sections))
	}

	grouped, err := Render(events, Options{GroupWindow: 10 * time.Minute})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if len(grouped.Sections) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(grouped.Sections))
	}

	merged := grouped.Sections[0]
	if merged.Type != model.EventTypeBugfix || merged.Priority != model.PriorityHigh {
		t.Errorf("merged badges = %s/%s, expected Bugfix/HIGH", merged.Type, merged.Priority)
	}
	if got := strings.Join(merged.Components, ","); got != "Dashboard,Database" {
		t.Errorf("merged components = %s", got)
	}
	wantMetrics := Metrics{Commits: 2, FilesChanged: 4, LinesAdded: 8, LinesRemoved: 34, NetChange: -26}
	if merged.Metrics != wantMetrics {
		t.Errorf("merged metrics = %+v, expected %+v", merged.Metrics, wantMetrics)
	}

	if grouped.Totals.Updates != 2 || grouped.Totals.Commits != 3 || grouped.Totals.NetChange != -39 {
		t.Errorf("unexpected totals %+v", grouped.Totals)
	}
	if !grouped.From.Equal(start) || !grouped.To.Equal(start.Add(time.Hour)) {
		t.Errorf("span = %s..%s", grouped.From, grouped.To)
	}
}

func TestRender_InvalidInput(t *testing.T) {
	valid := event("c1", start, model.EventTypeFeature, model.PriorityLow)

	outOfOrder := event("c2", start.Add(-time.Second), model.EventTypeFeature, model.PriorityLow)
	badPriority := event("c3", start, model.EventTypeFeature, model.Priority(9))
	badType := event("c4", start, model.EventType("Chore"), model.PriorityLow)
	negative := event("c5", start, model.EventTypeFeature, model.PriorityLow)
	negative.LinesRemoved = -1

	tests := map[string][]model.DeploymentEvent{
		"out of order":   {valid, outOfOrder},
		"bad priority":   {badPriority},
		"unknown type":   {badType},
		"negative lines": {valid, negative},
	}

	for name, events := range tests {
		t.Run(name, func(t *testing.T) {
			report, err := Render(events, DefaultOptions())
			if report != nil {
				t.Errorf("expected no report, got %+v", report)
			}
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
			if code := apperrors.ExitCode(err); code != apperrors.ExitMalformedInput {
				t.Errorf("exit code = %d, expected %d", code, apperrors.ExitMalformedInput)
			}
		})
	}
}

func TestRender_Empty(t *testing.T) {
	report, err := Render(nil, DefaultOptions())
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	var md bytes.Buffer
	if err := report.WriteMarkdown(&md); err != nil {
		t.Fatalf("WriteMarkdown() error = %v", err)
	}
	if !strings.Contains(md.String(), "No deployments recorded") {
		t.Errorf("unexpected markdown:\n%s", md.String())
	}

	var js bytes.Buffer
	if err := report.WriteJSON(&js); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(js.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if _, ok := decoded["from"]; ok {
		t.Errorf("empty report should omit its span: %s", js.String())
	}
	if sections, ok := decoded["sections"].([]any); !ok || len(sections) != 0 {
		t.Errorf("expected an empty sections array: %s", js.String())
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"markdown", FormatMarkdown, false},
		{"md", FormatMarkdown, false},
		{"json", FormatJSON, false},
		{"html", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %q, expected %q", tt.in, got, tt.want)
			}
		})
	}
}
