package classifier

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/trenchcoat-sh/deploypulse/internal/filter"
	"github.com/trenchcoat-sh/deploypulse/internal/model"
)

// TypeRule maps a commit to an event type. A rule matches when any keyword
// occurs in the message (case-insensitive) or when every tracked file matches
// one of Paths, unless an Exclude keyword occurs in the message.
type TypeRule struct {
	Name     string          `yaml:"name"`
	Type     model.EventType `yaml:"type"`
	Keywords []string        `yaml:"keywords,omitempty"`
	Exclude  []string        `yaml:"exclude,omitempty"`
	Paths    []string        `yaml:"paths,omitempty"`
}

// PriorityRule assigns a base priority when any keyword occurs in the message
type PriorityRule struct {
	Name     string         `yaml:"name"`
	Keywords []string       `yaml:"keywords"`
	Priority model.Priority `yaml:"priority"`
}

// ComponentRule labels changed paths matching Pattern (see filter.Match)
type ComponentRule struct {
	Pattern   string `yaml:"pattern"`
	Component string `yaml:"component"`
}

// Rules is the full, ordered classification table. Within each list the
// first match wins.
type Rules struct {
	Types        []TypeRule      `yaml:"types"`
	Priorities   []PriorityRule  `yaml:"priorities"`
	Components   []ComponentRule `yaml:"components"`
	ExcludePaths []string        `yaml:"excludePaths"`
	// MagnitudeThreshold escalates priority by one level when the total
	// number of changed lines is strictly above it. Zero disables escalation.
	MagnitudeThreshold int `yaml:"magnitudeThreshold"`
	TitleBudget        int `yaml:"titleBudget"`
}

// DefaultRules returns the built-in classification table
func DefaultRules() Rules {
	return Rules{
		Types: []TypeRule{
			{Name: "security", Type: model.EventTypeSecurity,
				Keywords: []string{"security", "vulnerab", "cve-", "xss", "csrf", "injection", "secret leak"}},
			{Name: "performance", Type: model.EventTypePerformance,
				Keywords: []string{"perf", "optimi", "speed up", "faster", "latency", "caching"}},
			{Name: "bugfix", Type: model.EventTypeBugfix,
				Keywords: []string{"fix", "bug", "patch", "resolve", "repair", "broken", "crash"}},
			{Name: "test", Type: model.EventTypeTest,
				Keywords: []string{"test"},
				Paths:    []string{"tests/", "test_*.py", "*_test.py", "*_test.go"}},
			{Name: "docs", Type: model.EventTypeDocs,
				Keywords: []string{"docs", "documentation", "readme", "typo"},
				Paths:    []string{"*.md", "*.rst", "docs/"}},
			{Name: "refactor", Type: model.EventTypeRefactor,
				Keywords: []string{"refactor", "cleanup", "clean up", "restructure", "reorganize", "rename", "simplify"}},
			{Name: "feature", Type: model.EventTypeFeature,
				Keywords: []string{"add ", "adds ", "added ", "feat", "implement", "introduce", "new ", "launch"}},
			{Name: "enhancement", Type: model.EventTypeEnhancement,
				Keywords: []string{"improve", "enhance", "update ", "upgrade", "polish", "tweak", "redesign"}},
			{Name: "deploy", Type: model.EventTypeDeploy,
				Keywords: []string{"deploy", "release", "rollout", "rebuild", "ship "},
				Exclude:  []string{"auto-deploy", "auto deploy"}},
		},
		Priorities: []PriorityRule{
			{Name: "critical", Keywords: []string{"critical", "urgent", "emergency"}, Priority: model.PriorityCritical},
			{Name: "high", Keywords: []string{"hotfix", "hot fix", "security", "breaking", "outage"}, Priority: model.PriorityHigh},
			{Name: "medium", Keywords: []string{"force", "fix", "important"}, Priority: model.PriorityMedium},
		},
		Components: []ComponentRule{
			{Pattern: "streamlit_app.py", Component: "Main Dashboard"},
			{Pattern: "app.py", Component: "Main Dashboard"},
			{Pattern: "tests/", Component: "Tests"},
			{Pattern: "test_*.py", Component: "Tests"},
			{Pattern: "*_test.py", Component: "Tests"},
			{Pattern: "*premium*", Component: "Premium Dashboard"},
			{Pattern: "*dashboard*", Component: "Main Dashboard"},
			{Pattern: "*discord*", Component: "Notifications"},
			{Pattern: "*webhook*", Component: "Notifications"},
			{Pattern: "*notif*", Component: "Notifications"},
			{Pattern: "*telegram*", Component: "Notifications"},
			{Pattern: "*blog*", Component: "Dev Blog"},
			{Pattern: "*changelog*", Component: "Dev Blog"},
			{Pattern: "*.db", Component: "Database"},
			{Pattern: "*database*", Component: "Database"},
			{Pattern: "data/", Component: "Database"},
			{Pattern: "*scanner*", Component: "Data Pipeline"},
			{Pattern: "*api*", Component: "Data Pipeline"},
			{Pattern: "*coin*", Component: "Data Pipeline"},
			{Pattern: "*.md", Component: "Documentation"},
			{Pattern: "docs/", Component: "Documentation"},
			{Pattern: "Dockerfile", Component: "Deployment"},
			{Pattern: "requirements.txt", Component: "Deployment"},
			{Pattern: ".streamlit/", Component: "Deployment"},
			{Pattern: "*deploy*", Component: "Deployment"},
			{Pattern: "*.sh", Component: "Deployment"},
			{Pattern: "*.yml", Component: "Deployment"},
			{Pattern: "*.yaml", Component: "Deployment"},
		},
		ExcludePaths:       filter.DefaultExcludedPaths(),
		MagnitudeThreshold: 500,
		TitleBudget:        model.DefaultTitleBudget,
	}
}

// LoadRules reads a YAML rules file. Keys absent from the file keep their
// default values; lists present in the file replace the defaults entirely.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}
	return ParseRules(data)
}

// ParseRules decodes YAML rules on top of DefaultRules and validates them
func ParseRules(data []byte) (Rules, error) {
	rules := DefaultRules()
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("failed to parse rules: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return Rules{}, err
	}
	return rules, nil
}

// Validate checks that every rule can ever match and names a known type
func (r Rules) Validate() error {
	for i, rule := range r.Types {
		if !rule.Type.Valid() {
			return fmt.Errorf("type rule %d (%s): unknown type %q", i, rule.Name, rule.Type)
		}
		if len(rule.Keywords) == 0 && len(rule.Paths) == 0 {
			return fmt.Errorf("type rule %d (%s): needs keywords or paths", i, rule.Name)
		}
	}
	for i, rule := range r.Priorities {
		if len(rule.Keywords) == 0 {
			return fmt.Errorf("priority rule %d (%s): needs keywords", i, rule.Name)
		}
		if !rule.Priority.Valid() {
			return fmt.Errorf("priority rule %d (%s): invalid priority", i, rule.Name)
		}
	}
	for i, rule := range r.Components {
		if rule.Pattern == "" || rule.Component == "" {
			return fmt.Errorf("component rule %d: pattern and component are required", i)
		}
	}
	if r.MagnitudeThreshold < 0 {
		return fmt.Errorf("magnitudeThreshold must not be negative, got %d", r.MagnitudeThreshold)
	}
	return nil
}

func (r TypeRule) matches(message string, paths []string) bool {
	for _, ex := range r.Exclude {
		if strings.Contains(message, strings.ToLower(ex)) {
			return false
		}
	}
	for _, kw := range r.Keywords {
		if strings.Contains(message, strings.ToLower(kw)) {
			return true
		}
	}
	return len(r.Paths) > 0 && allPathsMatch(r.Paths, paths)
}

func (r PriorityRule) matches(message string) bool {
	for _, kw := range r.Keywords {
		if strings.Contains(message, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func allPathsMatch(patterns, paths []string) bool {
	if len(paths) == 0 {
		return false
	}
	for _, p := range paths {
		matched := false
		for _, pattern := range patterns {
			if filter.Match(pattern, p) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
