package classifier

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/trenchcoat-sh/deploypulse/internal/filter"
	"github.com/trenchcoat-sh/deploypulse/internal/model"
)

// eventNamespace seeds event ids so that classifying the same commit twice
// yields the same event id.
var eventNamespace = uuid.MustParse("6f1c9a52-3d4e-4b7a-9c0f-5e2d8a1b7c33")

const criticalKeyword = "critical"

// Classifier turns commits into deployment events
type Classifier struct {
	rules  Rules
	filter *filter.PathFilter
}

// New creates a classifier for the given rules
func New(rules Rules) *Classifier {
	if rules.TitleBudget <= 0 {
		rules.TitleBudget = model.DefaultTitleBudget
	}
	return &Classifier{
		rules:  rules,
		filter: filter.NewPathFilter(filter.PathFilterConfig{ExcludePaths: rules.ExcludePaths}),
	}
}

// Rules returns the table the classifier evaluates
func (c *Classifier) Rules() Rules {
	return c.rules
}

// Classify maps a commit to a deployment event. It never fails: commits no
// type rule recognises become Other/LOW.
func (c *Classifier) Classify(ctx context.Context, commit model.Commit) model.DeploymentEvent {
	logger := log.FromContext(ctx)

	message := strings.ToLower(commit.Message)

	var paths []string
	components := sets.New[string]()
	added, removed := 0, 0
	for _, f := range commit.Files {
		if !c.filter.ShouldTrack(f.Path) {
			continue
		}
		paths = append(paths, f.Path)
		added += max(f.Added, 0)
		removed += max(f.Removed, 0)
		if component, ok := c.componentFor(f.Path); ok {
			components.Insert(component)
		}
	}

	eventType, ruleName := model.EventTypeOther, ""
	for _, rule := range c.rules.Types {
		if rule.matches(message, paths) {
			eventType, ruleName = rule.Type, rule.Name
			break
		}
	}
	if ruleName == "" {
		logger.V(1).Info("No classification rule matched, falling back to Other",
			"commit", model.ShortID(commit.ID),
		)
	}

	priority := c.basePriority(message)
	if c.rules.MagnitudeThreshold > 0 && added+removed > c.rules.MagnitudeThreshold {
		priority = priority.Escalate(1)
	}

	return model.DeploymentEvent{
		ID:           uuid.NewSHA1(eventNamespace, []byte(commit.ID)).String(),
		CommitID:     commit.ID,
		Author:       commit.Author,
		Message:      commit.Message,
		Title:        model.TitleFromMessage(commit.Message, c.rules.TitleBudget),
		Timestamp:    commit.Timestamp.UTC(),
		Type:         eventType,
		Priority:     priority,
		Components:   sets.List(components),
		FilesChanged: len(paths),
		LinesAdded:   added,
		LinesRemoved: removed,
		Rule:         ruleName,
	}
}

// ClassifyAll classifies commits in order
func (c *Classifier) ClassifyAll(ctx context.Context, commits []model.Commit) []model.DeploymentEvent {
	events := make([]model.DeploymentEvent, 0, len(commits))
	for _, commit := range commits {
		events = append(events, c.Classify(ctx, commit))
	}
	return events
}

// basePriority expects a lower-cased message. A message mentioning
// "critical" is CRITICAL whatever the rule table says.
func (c *Classifier) basePriority(message string) model.Priority {
	if strings.Contains(message, criticalKeyword) {
		return model.PriorityCritical
	}
	for _, rule := range c.rules.Priorities {
		if rule.matches(message) {
			return rule.Priority
		}
	}
	return model.PriorityLow
}

func (c *Classifier) componentFor(path string) (string, bool) {
	for _, rule := range c.rules.Components {
		if filter.Match(rule.Pattern, path) {
			return rule.Component, true
		}
	}
	return "", false
}

// Coalesce collapses chronologically close events into updates. An event
// joins the current update when it happened less than window after the
// update's first event. A non-positive window yields one update per event.
func Coalesce(events []model.DeploymentEvent, window time.Duration, titleBudget int) []model.Update {
	sorted := make([]model.DeploymentEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var updates []model.Update
	for _, ev := range sorted {
		if n := len(updates); n > 0 && window > 0 && ev.Timestamp.Sub(updates[n-1].FirstAt) < window {
			updates[n-1].Merge(ev)
			continue
		}
		u := model.NewUpdate(ev)
		u.Title = model.Truncate(u.Title, titleBudget)
		updates = append(updates, u)
	}
	return updates
}
