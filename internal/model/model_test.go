package model

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/trenchcoat-sh/deploypulse/internal/apperrors"
)

func TestDeploymentEvent_NetChange(t *testing.T) {
	tests := []struct {
		name     string
		added    int
		removed  int
		expected int
	}{
		{"net growth", 17, 4, 13},
		{"net deletion", 4, 17, -13},
		{"balanced", 1, 1, 0},
		{"empty", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := DeploymentEvent{LinesAdded: tt.added, LinesRemoved: tt.removed}
			if got := ev.NetChange(); got != tt.expected {
				t.Errorf("NetChange() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestDeploymentEvent_Validate(t *testing.T) {
	valid := func() DeploymentEvent {
		return DeploymentEvent{
			ID:        "ev-1",
			CommitID:  "abc123",
			Timestamp: time.Date(2025, 7, 1, 23, 7, 12, 0, time.UTC),
			Type:      EventTypeOther,
			Priority:  PriorityLow,
		}
	}

	tests := []struct {
		name    string
		modify  func(*DeploymentEvent)
		wantErr bool
	}{
		{"valid", func(*DeploymentEvent) {}, false},
		{"missing id", func(e *DeploymentEvent) { e.ID = "" }, true},
		{"missing commit", func(e *DeploymentEvent) { e.CommitID = "" }, true},
		{"zero timestamp", func(e *DeploymentEvent) { e.Timestamp = time.Time{} }, true},
		{"unknown type", func(e *DeploymentEvent) { e.Type = "Chore" }, true},
		{"priority out of range", func(e *DeploymentEvent) { e.Priority = Priority(7) }, true},
		{"negative added", func(e *DeploymentEvent) { e.LinesAdded = -1 }, true},
		{"negative removed", func(e *DeploymentEvent) { e.LinesRemoved = -3 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := valid()
			tt.modify(&ev)
			err := ev.Validate()
			if tt.wantErr && !errors.Is(err, apperrors.ErrMalformedInput) {
				t.Errorf("Validate() = %v, want malformed input error", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in       string
		budget   int
		expected string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"Fix coin card rendering in dashboard", 20, "Fix coin card ren..."},
		{"trailing space cut here", 12, "trailing..."},
		{"no budget", 0, "no budget"},
		{"tiny", 2, "ti"},
		{"ünïcödé characters", 8, "ünïcö..."},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Truncate(tt.in, tt.budget); got != tt.expected {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.budget, got, tt.expected)
			}
		})
	}
}

func TestTitleFromMessage(t *testing.T) {
	msg := "\n  Auto-deploy sync - 23:07:12  \n\nbody text"
	if got := TitleFromMessage(msg, DefaultTitleBudget); got != "Auto-deploy sync - 23:07:12" {
		t.Errorf("TitleFromMessage() = %q", got)
	}
	if got := TitleFromMessage("   \n", DefaultTitleBudget); got != "" {
		t.Errorf("TitleFromMessage(blank) = %q, want empty", got)
	}
}

func TestPriority_Escalate(t *testing.T) {
	tests := []struct {
		from     Priority
		levels   int
		expected Priority
	}{
		{PriorityLow, 1, PriorityMedium},
		{PriorityHigh, 1, PriorityCritical},
		{PriorityCritical, 1, PriorityCritical},
		{PriorityLow, 5, PriorityCritical},
		{PriorityMedium, -3, PriorityLow},
	}

	for _, tt := range tests {
		t.Run(tt.from.String(), func(t *testing.T) {
			if got := tt.from.Escalate(tt.levels); got != tt.expected {
				t.Errorf("%s.Escalate(%d) = %s, want %s", tt.from, tt.levels, got, tt.expected)
			}
		})
	}
}

func TestPriority_JSON(t *testing.T) {
	data, err := json.Marshal(struct {
		P Priority `json:"p"`
	}{PriorityHigh})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `{"p":"HIGH"}` {
		t.Errorf("Marshal = %s", data)
	}

	var out struct {
		P Priority `json:"p"`
	}
	if err := json.Unmarshal([]byte(`{"p":"critical"}`), &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.P != PriorityCritical {
		t.Errorf("Unmarshal = %s, want CRITICAL", out.P)
	}

	if err := json.Unmarshal([]byte(`{"p":"SEVERE"}`), &out); err == nil {
		t.Error("expected error for unknown priority")
	}
}

func TestParseEventType(t *testing.T) {
	got, err := ParseEventType("bugfix")
	if err != nil || got != EventTypeBugfix {
		t.Errorf("ParseEventType(bugfix) = %q, %v", got, err)
	}
	if _, err := ParseEventType("chore"); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestUpdate_Merge(t *testing.T) {
	base := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	first := DeploymentEvent{
		ID: "ev-1", CommitID: "c1", Title: "Add coin cards", Timestamp: base,
		Type: EventTypeFeature, Priority: PriorityLow,
		Components: []string{"Main Dashboard"}, FilesChanged: 2, LinesAdded: 10, LinesRemoved: 2,
	}
	second := DeploymentEvent{
		ID: "ev-2", CommitID: "c2", Title: "Fix webhook spam", Timestamp: base.Add(time.Second),
		Type: EventTypeBugfix, Priority: PriorityHigh,
		Components: []string{"Notifications", "Main Dashboard"}, FilesChanged: 1, LinesAdded: 3, LinesRemoved: 30,
	}
	third := DeploymentEvent{
		ID: "ev-3", CommitID: "c3", Title: "Docs", Timestamp: base.Add(2 * time.Second),
		Type: EventTypeDocs, Priority: PriorityHigh,
		Components: []string{"Documentation"}, FilesChanged: 1, LinesAdded: 5,
	}

	u := NewUpdate(first)
	u.Merge(second)
	u.Merge(third)

	if u.ID != "ev-1" || u.Title != "Add coin cards" {
		t.Errorf("update identity = %q/%q, want first event's", u.ID, u.Title)
	}
	if u.Priority != PriorityHigh || u.Type != EventTypeBugfix {
		t.Errorf("classification = %s/%s, want HIGH/Bugfix (earliest of the highest)", u.Priority, u.Type)
	}
	wantComponents := []string{"Documentation", "Main Dashboard", "Notifications"}
	if !reflect.DeepEqual(u.Components, wantComponents) {
		t.Errorf("components = %v, want %v", u.Components, wantComponents)
	}
	if u.Commits != 3 || u.Coalesced != 2 {
		t.Errorf("commits/coalesced = %d/%d, want 3/2", u.Commits, u.Coalesced)
	}
	if u.FilesChanged != 4 || u.LinesAdded != 18 || u.LinesRemoved != 32 || u.NetChange() != -14 {
		t.Errorf("metrics = %d files +%d -%d net %d", u.FilesChanged, u.LinesAdded, u.LinesRemoved, u.NetChange())
	}
	if !u.FirstAt.Equal(base) || !u.LastAt.Equal(base.Add(2*time.Second)) {
		t.Errorf("span = %v..%v", u.FirstAt, u.LastAt)
	}
	if !u.Contains("c2") || u.Contains("c9") {
		t.Error("Contains mismatch")
	}
}

func TestCommit_Validate(t *testing.T) {
	c := Commit{ID: "abc", Timestamp: time.Now(), Files: []FileChange{{Path: "a.py", Added: 1}}}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	c.Files[0].Removed = -1
	if err := c.Validate(); !errors.Is(err, apperrors.ErrMalformedInput) {
		t.Errorf("Validate() = %v, want malformed input", err)
	}
}
