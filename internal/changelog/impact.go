package changelog

import (
	"fmt"
	"strings"

	"github.com/trenchcoat-sh/deploypulse/internal/model"
)

const noComponents = "the system"

// impactTemplates maps a classification to the user-facing sentence shown
// under each section. %s is replaced by the joined component list.
var impactTemplates = map[model.EventType]string{
	model.EventTypeFeature:     "New functionality is available in %s.",
	model.EventTypeBugfix:      "Fixes in %s resolve issues users may have run into.",
	model.EventTypeEnhancement: "Improvements to %s make it smoother to use.",
	model.EventTypeDeploy:      "A new release of %s is live.",
	model.EventTypeDocs:        "Documentation for %s is clearer and more complete.",
	model.EventTypeTest:        "Broader test coverage for %s guards against regressions.",
	model.EventTypeRefactor:    "Internal cleanup of %s keeps it maintainable with no change in behavior.",
	model.EventTypeSecurity:    "Security hardening in %s better protects user data.",
	model.EventTypePerformance: "Performance work on %s makes it faster and more responsive.",
	model.EventTypeOther:       "Updates to %s improve overall system quality.",
}

// Impact returns the user impact sentence for an update of type t touching
// components
func Impact(t model.EventType, components []string) string {
	tmpl, ok := impactTemplates[t]
	if !ok {
		tmpl = impactTemplates[model.EventTypeOther]
	}
	return fmt.Sprintf(tmpl, JoinComponents(components))
}

// JoinComponents renders a component list as prose: "A", "A and B",
// "A, B and C". An empty list reads "the system".
func JoinComponents(components []string) string {
	switch len(components) {
	case 0:
		return noComponents
	case 1:
		return components[0]
	default:
		last := len(components) - 1
		return strings.Join(components[:last], ", ") + " and " + components[last]
	}
}
