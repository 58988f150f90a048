package hooks

import (
	"context"
	"errors"
	"fmt"

	"github.com/trenchcoat-sh/deploypulse/internal/model"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Dispatcher fans an update out to every registered publisher
type Dispatcher struct {
	publishers []Publisher
}

func NewDispatcher(publishers ...Publisher) *Dispatcher {
	return &Dispatcher{publishers: publishers}
}

// Len returns the number of registered publishers
func (d *Dispatcher) Len() int {
	return len(d.publishers)
}

// Publish sends the update to all publishers. A failing publisher does not
// stop the others; their errors are joined.
func (d *Dispatcher) Publish(ctx context.Context, update model.Update) error {
	logger := log.FromContext(ctx)

	if len(d.publishers) == 0 {
		logger.Info("No publishers configured, dropping update", "batchID", update.ID)
		return nil
	}

	logger.Info("Dispatching update",
		"batchID", update.ID,
		"title", update.Title,
		"priority", update.Priority.String(),
		"commits", update.Commits,
		"publishers", len(d.publishers),
	)

	var errs []error
	for i, publisher := range d.publishers {
		if err := publisher.Publish(ctx, update); err != nil {
			logger.Error(err, "failed to publish update",
				"batchID", update.ID,
				"publisher", i,
			)
			errs = append(errs, fmt.Errorf("publisher %d: %w", i, err))
		}
	}

	return errors.Join(errs...)
}
