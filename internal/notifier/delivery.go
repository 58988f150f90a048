package notifier

import (
	"context"

	"github.com/trenchcoat-sh/deploypulse/internal/model"
)

// Delivery is the handle of one asynchronous send. Callers may wait on it or
// drop it; the send runs to completion either way.
type Delivery struct {
	Update model.Update

	done chan struct{}
	err  error
}

func newDelivery(update model.Update) *Delivery {
	return &Delivery{Update: update, done: make(chan struct{})}
}

func (d *Delivery) complete(err error) {
	d.err = err
	close(d.done)
}

// Done is closed once the send finished, successfully or not
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Err returns the delivery error once Done is closed, nil before
func (d *Delivery) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

// Wait blocks until the send finished or ctx ends
func (d *Delivery) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
