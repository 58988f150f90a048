package notifier

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/trenchcoat-sh/deploypulse/internal/apperrors"
	"github.com/trenchcoat-sh/deploypulse/internal/hooks"
	"github.com/trenchcoat-sh/deploypulse/internal/metrics"
	"github.com/trenchcoat-sh/deploypulse/internal/model"
)

// Outcome is what Notify decided for an event
type Outcome string

const (
	// OutcomeSent means a delivery carrying the event started
	OutcomeSent Outcome = "sent"
	// OutcomeScheduled means the event opened a new coalescing window
	OutcomeScheduled Outcome = "scheduled"
	// OutcomeSuppressed means the event was merged into the open window
	OutcomeSuppressed Outcome = "suppressed"
	// OutcomeDuplicate means the commit is already pending or was recently sent
	OutcomeDuplicate Outcome = "duplicate"
)

// Config holds configuration for rate limiting and delivery
type Config struct {
	Window            time.Duration  // Coalescing window length
	ImmediatePriority model.Priority // Events at or above this may skip the window
	DeliveryTimeout   time.Duration  // Upper bound for one delivery, retries included
	RecentLimit       int            // Commit ids remembered for duplicate suppression
}

// DefaultConfig returns the default notifier configuration
func DefaultConfig() Config {
	return Config{
		Window:            60 * time.Second,
		ImmediatePriority: model.PriorityCritical,
		DeliveryTimeout:   30 * time.Second,
		RecentLimit:       256,
	}
}

// Result describes the decision taken for one event
type Result struct {
	Outcome Outcome
	// BatchID identifies the update the event belongs to
	BatchID string
	// FlushAt is when the open window closes; zero unless scheduled or suppressed
	FlushAt time.Time
	// Delivery is set when Outcome is OutcomeSent
	Delivery *Delivery
}

// Option customizes a Notifier
type Option func(*Notifier)

// WithClock replaces the wall clock, mainly for tests
func WithClock(c clock.Clock) Option {
	return func(n *Notifier) { n.clock = c }
}

// WithMetrics records decisions and deliveries on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// Notifier coalesces deployment events into rate-limited notifications
type Notifier struct {
	config    Config
	store     StateStore
	publisher hooks.Publisher
	clock     clock.Clock
	metrics   *metrics.Metrics

	group    singleflight.Group
	inflight sync.WaitGroup
}

// New creates a notifier. State lives in store, which decides whether the
// rate limit spans processes (FileStore) or only this one (MemoryStore).
func New(cfg Config, store StateStore, publisher hooks.Publisher, opts ...Option) *Notifier {
	n := &Notifier{
		config:    cfg,
		store:     store,
		publisher: publisher,
		clock:     clock.RealClock{},
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.metrics == nil {
		n.metrics = metrics.New()
	}
	return n
}

// Notify records ev and decides whether to send, defer or drop it. The error
// is non-nil only when the state store is unavailable; delivery failures are
// reported through the returned Delivery and the log.
func (n *Notifier) Notify(ctx context.Context, ev model.DeploymentEvent) (Result, error) {
	logger := log.FromContext(ctx)
	now := n.clock.Now()

	var (
		result Result
		sends  []model.Update
	)

	err := n.store.Update(ctx, func(s *State) error {
		result, sends = Result{}, nil

		if s.seen(ev.CommitID) {
			result.Outcome = OutcomeDuplicate
			return nil
		}

		// A window nobody flushed is overdue; send it before anything else.
		if s.Pending != nil && !now.Before(s.Pending.FlushAt) {
			sends = append(sends, n.claim(s, s.Pending.Update, now))
		}

		if s.Pending != nil {
			previous := s.Pending.Update.Priority
			s.Pending.Update.Merge(ev)
			result.BatchID = s.Pending.Update.ID

			if n.immediate(ev.Priority) && ev.Priority > previous {
				sends = append(sends, n.claim(s, s.Pending.Update, now))
				result.Outcome = OutcomeSent
				return nil
			}

			result.Outcome = OutcomeSuppressed
			result.FlushAt = s.Pending.FlushAt
			return nil
		}

		update := model.NewUpdate(ev)
		result.BatchID = update.ID

		if n.immediate(ev.Priority) && !n.recentlyAnnounced(s, ev.Priority, now) {
			sends = append(sends, n.claim(s, update, now))
			result.Outcome = OutcomeSent
			return nil
		}

		s.Pending = &Window{
			OpenedAt: now,
			FlushAt:  now.Add(n.config.Window),
			Update:   update,
		}
		result.Outcome = OutcomeScheduled
		result.FlushAt = s.Pending.FlushAt
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	n.metrics.Notifications.WithLabelValues(string(result.Outcome)).Inc()
	if result.Outcome == OutcomeSuppressed {
		n.metrics.CoalescedEvents.Inc()
	}

	logger.Info("Notification decision",
		"commit", model.ShortID(ev.CommitID),
		"priority", ev.Priority.String(),
		"outcome", result.Outcome,
		"batchID", result.BatchID,
		"flushAt", result.FlushAt,
	)

	for _, update := range sends {
		delivery := n.deliver(ctx, update)
		if result.Outcome == OutcomeSent && update.ID == result.BatchID {
			result.Delivery = delivery
		}
	}

	return result, nil
}

// FlushDue sends the open window if it has closed. It returns nil when there
// is nothing due.
func (n *Notifier) FlushDue(ctx context.Context) (*Delivery, error) {
	return n.flush(ctx, false)
}

// Flush sends the open window regardless of its deadline
func (n *Notifier) Flush(ctx context.Context) (*Delivery, error) {
	return n.flush(ctx, true)
}

// AwaitWindow blocks until flushAt and then flushes whatever is due. Another
// process may have flushed first, in which case the result is nil.
func (n *Notifier) AwaitWindow(ctx context.Context, flushAt time.Time) (*Delivery, error) {
	if wait := flushAt.Sub(n.clock.Now()); wait > 0 {
		select {
		case <-n.clock.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return n.FlushDue(ctx)
}

// Drain waits for every delivery started by this notifier
func (n *Notifier) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) flush(ctx context.Context, force bool) (*Delivery, error) {
	now := n.clock.Now()

	var due *model.Update
	err := n.store.Update(ctx, func(s *State) error {
		due = nil
		if s.Pending == nil || (!force && now.Before(s.Pending.FlushAt)) {
			return nil
		}
		update := n.claim(s, s.Pending.Update, now)
		due = &update
		return nil
	})
	if err != nil || due == nil {
		return nil, err
	}

	log.FromContext(ctx).Info("Flushing coalesced window",
		"batchID", due.ID,
		"commits", due.Commits,
		"coalesced", due.Coalesced,
		"forced", force,
	)
	return n.deliver(ctx, *due), nil
}

// claim marks update as sent in the state. Callers deliver it only after the
// state has been persisted, so a batch is attempted at most once.
func (n *Notifier) claim(s *State, update model.Update, now time.Time) model.Update {
	s.LastSent = &SentRecord{BatchID: update.ID, At: now, Priority: update.Priority}
	s.remember(update.CommitIDs, n.config.RecentLimit)
	if s.Pending != nil && s.Pending.Update.ID == update.ID {
		s.Pending = nil
	}
	return update
}

func (n *Notifier) immediate(p model.Priority) bool {
	return p >= n.config.ImmediatePriority
}

// recentlyAnnounced reports whether a notification at least as important as
// p went out within the window
func (n *Notifier) recentlyAnnounced(s *State, p model.Priority, now time.Time) bool {
	return s.LastSent != nil &&
		now.Sub(s.LastSent.At) < n.config.Window &&
		p <= s.LastSent.Priority
}

func (n *Notifier) deliver(ctx context.Context, update model.Update) *Delivery {
	delivery := newDelivery(update)

	n.inflight.Add(1)
	go func() {
		defer n.inflight.Done()
		// Keyed by batch so racing callers share one attempt.
		res := <-n.group.DoChan(update.ID, func() (any, error) {
			return nil, n.send(ctx, update)
		})
		delivery.complete(res.Err)
	}()

	return delivery
}

func (n *Notifier) send(ctx context.Context, update model.Update) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.config.DeliveryTimeout)
	defer cancel()

	logger := log.FromContext(ctx)
	start := time.Now()

	err := n.publisher.Publish(ctx, update)
	n.metrics.DeliveryDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		n.metrics.Deliveries.WithLabelValues(metrics.ResultFailed).Inc()
		logger.Error(err, "Dropping notification after failed delivery",
			"batchID", update.ID,
			"commits", update.Commits,
		)
		return apperrors.Wrap(apperrors.CodeDeliveryFailed, err, "delivery of batch %s failed", update.ID)
	}

	n.metrics.Deliveries.WithLabelValues(metrics.ResultSucceeded).Inc()
	logger.Info("Notification delivered",
		"batchID", update.ID,
		"priority", update.Priority.String(),
		"commits", update.Commits,
	)
	return nil
}
