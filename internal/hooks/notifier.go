package hooks

import (
	"context"

	"github.com/trenchcoat-sh/deploypulse/internal/model"
)

// Publisher delivers one update to an external sink
type Publisher interface {
	Publish(ctx context.Context, update model.Update) error
}

// PublisherFunc adapts a function to the Publisher interface
type PublisherFunc func(ctx context.Context, update model.Update) error

func (f PublisherFunc) Publish(ctx context.Context, update model.Update) error {
	return f(ctx, update)
}
