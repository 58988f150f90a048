package model

import (
	"fmt"
	"strings"
)

// EventType is the classification assigned to a deployment event
type EventType string

const (
	EventTypeFeature     EventType = "Feature"
	EventTypeBugfix      EventType = "Bugfix"
	EventTypeEnhancement EventType = "Enhancement"
	EventTypeDeploy      EventType = "Deploy"
	EventTypeDocs        EventType = "Docs"
	EventTypeTest        EventType = "Test"
	EventTypeRefactor    EventType = "Refactor"
	EventTypeSecurity    EventType = "Security"
	EventTypePerformance EventType = "Performance"
	EventTypeOther       EventType = "Other"
)

// EventTypes lists every known type in display order
var EventTypes = []EventType{
	EventTypeFeature,
	EventTypeBugfix,
	EventTypeEnhancement,
	EventTypeDeploy,
	EventTypeDocs,
	EventTypeTest,
	EventTypeRefactor,
	EventTypeSecurity,
	EventTypePerformance,
	EventTypeOther,
}

// Valid reports whether t is one of the known event types
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseEventType resolves a type name case-insensitively
func ParseEventType(s string) (EventType, error) {
	for _, known := range EventTypes {
		if strings.EqualFold(string(known), strings.TrimSpace(s)) {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// UnmarshalText accepts any casing of a known type name
func (t *EventType) UnmarshalText(text []byte) error {
	parsed, err := ParseEventType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Priority orders events by how urgently they should be announced.
// The zero value is PriorityLow.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = [...]string{"LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityCritical {
		return fmt.Sprintf("Priority(%d)", int(p))
	}
	return priorityNames[p]
}

// Valid reports whether p is within the LOW..CRITICAL range
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// Escalate raises the priority by n levels, capped at CRITICAL
func (p Priority) Escalate(n int) Priority {
	escalated := p + Priority(n)
	if escalated > PriorityCritical {
		return PriorityCritical
	}
	if escalated < PriorityLow {
		return PriorityLow
	}
	return escalated
}

// ParsePriority resolves a priority name case-insensitively
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return Priority(i), nil
		}
	}
	return PriorityLow, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
