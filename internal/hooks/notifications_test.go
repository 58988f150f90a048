package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/trenchcoat-sh/deploypulse/internal/model"
)

func TestDispatcher_Publish(t *testing.T) {
	var calls []string
	ok := PublisherFunc(func(_ context.Context, u model.Update) error {
		calls = append(calls, "ok:"+u.ID)
		return nil
	})
	boom := errors.New("boom")
	failing := PublisherFunc(func(_ context.Context, u model.Update) error {
		calls = append(calls, "fail:"+u.ID)
		return boom
	})

	d := NewDispatcher(failing, ok)
	err := d.Publish(context.Background(), model.Update{ID: "b1"})

	if !errors.Is(err, boom) {
		t.Errorf("expected joined error to wrap boom, got %v", err)
	}
	if len(calls) != 2 || calls[0] != "fail:b1" || calls[1] != "ok:b1" {
		t.Errorf("expected every publisher to be called in order, got %v", calls)
	}
}

func TestDispatcher_NoPublishers(t *testing.T) {
	d := NewDispatcher()
	if err := d.Publish(context.Background(), model.Update{ID: "b1"}); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	if d.Len() != 0 {
		t.Errorf("expected 0 publishers, got %d", d.Len())
	}
}
