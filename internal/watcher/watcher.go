package watcher

import (
	"context"
	"time"

	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/trenchcoat-sh/deploypulse/internal/classifier"
	"github.com/trenchcoat-sh/deploypulse/internal/eventlog"
	"github.com/trenchcoat-sh/deploypulse/internal/model"
	"github.com/trenchcoat-sh/deploypulse/internal/notifier"
)

// Config holds configuration for the watcher
type Config struct {
	Interval time.Duration
	// Since is the revision to start from; empty starts at the current HEAD
	Since string
}

// DefaultConfig returns the default watcher configuration
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
	}
}

// CommitSource is the part of a repository the watcher polls
type CommitSource interface {
	Head(ctx context.Context) (model.Commit, error)
	Commits(ctx context.Context, revisions ...string) ([]model.Commit, error)
}

// PollResult summarizes one poll
type PollResult struct {
	Head     string
	New      int
	Outcomes map[notifier.Outcome]int
	Flushed  bool
}

// Option customizes a Watcher
type Option func(*Watcher)

// WithClock replaces the wall clock, mainly for tests
func WithClock(c clock.WithTicker) Option {
	return func(w *Watcher) { w.clock = c }
}

// Watcher polls a repository for new commits, records them and hands them to
// the notifier. It also flushes windows that closed between commits, so a
// long-running watcher needs no separate flush schedule.
type Watcher struct {
	config     Config
	source     CommitSource
	classifier *classifier.Classifier
	log        eventlog.Log
	notifier   *notifier.Notifier
	clock      clock.WithTicker

	last   string
	stopCh chan struct{}
}

// New creates a watcher
func New(
	config Config,
	source CommitSource,
	c *classifier.Classifier,
	l eventlog.Log,
	n *notifier.Notifier,
	opts ...Option,
) *Watcher {
	w := &Watcher{
		config:     config,
		source:     source,
		classifier: c,
		log:        l,
		notifier:   n,
		clock:      clock.RealClock{},
		last:       config.Since,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start polls until ctx ends or Stop is called. Failed polls are logged and
// retried on the next tick. Deliveries still in flight are joined before
// Start returns.
func (w *Watcher) Start(ctx context.Context) {
	logger := log.FromContext(ctx).WithName("watcher")

	logger.Info("Starting watcher",
		"interval", w.config.Interval,
		"since", w.config.Since,
	)

	w.pollAndLog(ctx)

	ticker := w.clock.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			w.pollAndLog(ctx)
		case <-w.stopCh:
			logger.Info("Watcher stopped")
			w.drain(ctx)
			return
		case <-ctx.Done():
			logger.Info("Watcher context cancelled")
			w.drain(ctx)
			return
		}
	}
}

// Stop ends Start
func (w *Watcher) Stop() {
	close(w.stopCh)
}

// Poll processes the commits that appeared since the previous poll. The first
// poll without a starting revision only records where HEAD is.
func (w *Watcher) Poll(ctx context.Context) (PollResult, error) {
	logger := log.FromContext(ctx).WithName("watcher")
	result := PollResult{Outcomes: map[notifier.Outcome]int{}}

	head, err := w.source.Head(ctx)
	if err != nil {
		return result, err
	}
	result.Head = head.ID

	if w.last == "" {
		w.last = head.ID
		logger.Info("Watching from HEAD", "commit", model.ShortID(head.ID))
		return result, w.flushDue(ctx, &result)
	}

	if head.ID != w.last {
		commits, err := w.source.Commits(ctx, w.last+".."+head.ID)
		if err != nil {
			return result, err
		}

		events := w.classifier.ClassifyAll(ctx, commits)
		added, err := eventlog.AppendAll(ctx, w.log, events)
		if err != nil {
			return result, err
		}
		result.New = len(added)

		// Events recorded by a poll that failed later are still in the range;
		// the notifier reports commits it already handled as duplicates.
		for _, ev := range events {
			res, err := w.notifier.Notify(ctx, ev)
			if err != nil {
				return result, err
			}
			result.Outcomes[res.Outcome]++
		}

		// Only advance once every new commit went through the notifier.
		w.last = head.ID
	}

	return result, w.flushDue(ctx, &result)
}

func (w *Watcher) flushDue(ctx context.Context, result *PollResult) error {
	d, err := w.notifier.FlushDue(ctx)
	if err != nil {
		return err
	}
	result.Flushed = d != nil
	return nil
}

func (w *Watcher) pollAndLog(ctx context.Context) {
	logger := log.FromContext(ctx).WithName("watcher")

	res, err := w.Poll(ctx)
	if err != nil {
		logger.Error(err, "Poll failed", "last", model.ShortID(w.last))
		return
	}
	if res.New > 0 || res.Flushed {
		logger.Info("Polled repository",
			"head", model.ShortID(res.Head),
			"new", res.New,
			"outcomes", res.Outcomes,
			"flushed", res.Flushed,
		)
	}
}

func (w *Watcher) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.config.Interval)
	defer cancel()
	if err := w.notifier.Drain(ctx); err != nil {
		log.FromContext(ctx).Error(err, "Deliveries still running at shutdown")
	}
}
