package notifier

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/trenchcoat-sh/deploypulse/internal/apperrors"
	"github.com/trenchcoat-sh/deploypulse/internal/metrics"
	"github.com/trenchcoat-sh/deploypulse/internal/model"
)

type recordingPublisher struct {
	mu      sync.Mutex
	updates []model.Update
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, update model.Update) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, update)
	return p.err
}

func (p *recordingPublisher) Sent() []model.Update {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Update(nil), p.updates...)
}

var epoch = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func event(commitID string, priority model.Priority, at time.Time, components ...string) model.DeploymentEvent {
	return model.DeploymentEvent{
		ID:           "ev-" + commitID,
		CommitID:     commitID,
		Title:        "change " + commitID,
		Timestamp:    at,
		Type:         model.EventTypeFeature,
		Priority:     priority,
		Components:   components,
		FilesChanged: 1,
		LinesAdded:   10,
		LinesRemoved: 2,
	}
}

var _ = Describe("Notifier", func() {
	var (
		ctx       context.Context
		fakeClock *clocktesting.FakeClock
		publisher *recordingPublisher
		m         *metrics.Metrics
		cfg       Config
		n         *Notifier
	)

	BeforeEach(func() {
		ctx = context.Background()
		fakeClock = clocktesting.NewFakeClock(epoch)
		publisher = &recordingPublisher{}
		m = metrics.New()
		cfg = DefaultConfig()
		n = New(cfg, NewMemoryStore(), publisher, WithClock(fakeClock), WithMetrics(m))
	})

	notify := func(ev model.DeploymentEvent) Result {
		GinkgoHelper()
		res, err := n.Notify(ctx, ev)
		Expect(err).NotTo(HaveOccurred())
		return res
	}

	waitFor := func(d *Delivery) error {
		GinkgoHelper()
		Expect(d).NotTo(BeNil())
		Eventually(d.Done()).Should(BeClosed())
		return d.Err()
	}

	Context("within one window", func() {
		It("sends a single update carrying the highest priority", func() {
			first := notify(event("a1", model.PriorityLow, epoch, "Dashboard"))
			Expect(first.Outcome).To(Equal(OutcomeScheduled))
			Expect(first.FlushAt).To(Equal(epoch.Add(cfg.Window)))

			second := notify(event("a2", model.PriorityLow, epoch, "Database"))
			Expect(second.Outcome).To(Equal(OutcomeSuppressed))
			Expect(second.BatchID).To(Equal(first.BatchID))

			high := event("a3", model.PriorityHigh, epoch, "Dashboard")
			high.Type = model.EventTypeBugfix
			Expect(notify(high).Outcome).To(Equal(OutcomeSuppressed))
			Expect(publisher.Sent()).To(BeEmpty())

			d, err := n.FlushDue(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(d).To(BeNil(), "window still open")

			fakeClock.Step(cfg.Window)
			d, err = n.FlushDue(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(waitFor(d)).To(Succeed())

			sent := publisher.Sent()
			Expect(sent).To(HaveLen(1))
			Expect(sent[0].Priority).To(Equal(model.PriorityHigh))
			Expect(sent[0].Type).To(Equal(model.EventTypeBugfix))
			Expect(sent[0].Components).To(Equal([]string{"Dashboard", "Database"}))
			Expect(sent[0].Commits).To(Equal(3))
			Expect(sent[0].LinesAdded).To(Equal(30))
			Expect(sent[0].LinesRemoved).To(Equal(6))
			Expect(sent[0].Coalesced).To(Equal(2))

			Expect(testutil.ToFloat64(m.Notifications.WithLabelValues(string(OutcomeSuppressed)))).To(Equal(2.0))
			Expect(testutil.ToFloat64(m.CoalescedEvents)).To(Equal(2.0))
			Expect(testutil.ToFloat64(m.Deliveries.WithLabelValues(metrics.ResultSucceeded))).To(Equal(1.0))
		})

		It("splits events that arrive after the window closed", func() {
			cfg.Window = 5 * time.Second
			n = New(cfg, NewMemoryStore(), publisher, WithClock(fakeClock))

			Expect(notify(event("b1", model.PriorityLow, epoch)).Outcome).To(Equal(OutcomeScheduled))
			fakeClock.Step(time.Second)
			Expect(notify(event("b2", model.PriorityLow, fakeClock.Now())).Outcome).To(Equal(OutcomeSuppressed))

			fakeClock.Step(4 * time.Second)
			d, err := n.FlushDue(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(waitFor(d)).To(Succeed())

			fakeClock.Step(5 * time.Second)
			third := notify(event("b3", model.PriorityLow, fakeClock.Now()))
			Expect(third.Outcome).To(Equal(OutcomeScheduled))

			d, err = n.Flush(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(waitFor(d)).To(Succeed())

			sent := publisher.Sent()
			Expect(sent).To(HaveLen(2))
			Expect(sent[0].CommitIDs).To(Equal([]string{"b1", "b2"}))
			Expect(sent[1].CommitIDs).To(Equal([]string{"b3"}))
		})

		It("flushes an overdue window before handling the next event", func() {
			Expect(notify(event("c1", model.PriorityLow, epoch)).Outcome).To(Equal(OutcomeScheduled))

			fakeClock.Step(2 * cfg.Window)
			next := notify(event("c2", model.PriorityMedium, fakeClock.Now()))
			Expect(next.Outcome).To(Equal(OutcomeScheduled))

			Expect(n.Drain(ctx)).To(Succeed())
			sent := publisher.Sent()
			Expect(sent).To(HaveLen(1))
			Expect(sent[0].CommitIDs).To(Equal([]string{"c1"}))
		})
	})

	Context("critical events", func() {
		It("are sent immediately when nothing is pending", func() {
			res := notify(event("d1", model.PriorityCritical, epoch))
			Expect(res.Outcome).To(Equal(OutcomeSent))
			Expect(waitFor(res.Delivery)).To(Succeed())
			Expect(publisher.Sent()).To(HaveLen(1))
		})

		It("flush a lower-priority window together with the critical event", func() {
			low := notify(event("d2", model.PriorityLow, epoch, "Docs"))
			res := notify(event("d3", model.PriorityCritical, epoch, "Database"))

			Expect(res.Outcome).To(Equal(OutcomeSent))
			Expect(res.BatchID).To(Equal(low.BatchID))
			Expect(waitFor(res.Delivery)).To(Succeed())

			sent := publisher.Sent()
			Expect(sent).To(HaveLen(1))
			Expect(sent[0].Priority).To(Equal(model.PriorityCritical))
			Expect(sent[0].CommitIDs).To(ConsistOf("d2", "d3"))

			state, err := n.store.Load(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Pending).To(BeNil())
		})

		It("wait for the window when a critical notification just went out", func() {
			Expect(notify(event("d4", model.PriorityCritical, epoch)).Outcome).To(Equal(OutcomeSent))

			fakeClock.Step(time.Second)
			res := notify(event("d5", model.PriorityCritical, fakeClock.Now()))
			Expect(res.Outcome).To(Equal(OutcomeScheduled))
			Expect(res.Delivery).To(BeNil())

			fakeClock.Step(cfg.Window)
			d, err := n.FlushDue(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(waitFor(d)).To(Succeed())

			fakeClock.Step(cfg.Window)
			res = notify(event("d6", model.PriorityCritical, fakeClock.Now()))
			Expect(res.Outcome).To(Equal(OutcomeSent))

			Expect(n.Drain(ctx)).To(Succeed())
			Expect(publisher.Sent()).To(HaveLen(3))
		})
	})

	Context("duplicates", func() {
		It("ignores a commit that is already pending or sent", func() {
			notify(event("e1", model.PriorityLow, epoch))
			Expect(notify(event("e1", model.PriorityLow, epoch)).Outcome).To(Equal(OutcomeDuplicate))

			_, err := n.Flush(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(notify(event("e1", model.PriorityLow, epoch)).Outcome).To(Equal(OutcomeDuplicate))

			Expect(n.Drain(ctx)).To(Succeed())
			Expect(publisher.Sent()).To(HaveLen(1))
		})

		It("delivers a concurrently reported critical event once", func() {
			const callers = 8
			outcomes := make(chan Outcome, callers)

			var wg sync.WaitGroup
			for range callers {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					res, err := n.Notify(ctx, event("e2", model.PriorityCritical, epoch))
					Expect(err).NotTo(HaveOccurred())
					outcomes <- res.Outcome
				}()
			}
			wg.Wait()
			close(outcomes)

			counts := map[Outcome]int{}
			for o := range outcomes {
				counts[o]++
			}
			Expect(counts).To(Equal(map[Outcome]int{OutcomeSent: 1, OutcomeDuplicate: callers - 1}))

			Expect(n.Drain(ctx)).To(Succeed())
			Expect(publisher.Sent()).To(HaveLen(1))
		})
	})

	It("reports delivery failures without failing Notify", func() {
		publisher.err = errors.New("webhook returned 500")

		res, err := n.Notify(ctx, event("f1", model.PriorityCritical, epoch))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(OutcomeSent))

		derr := waitFor(res.Delivery)
		Expect(derr).To(MatchError(apperrors.ErrDeliveryFailed))
		Expect(apperrors.CodeOf(derr)).To(Equal(apperrors.CodeDeliveryFailed))
		Expect(testutil.ToFloat64(m.Deliveries.WithLabelValues(metrics.ResultFailed))).To(Equal(1.0))

		By("not retrying the dropped batch")
		Expect(notify(event("f1", model.PriorityCritical, epoch)).Outcome).To(Equal(OutcomeDuplicate))
	})

	It("flushes after waiting for the window", func() {
		res := notify(event("g1", model.PriorityMedium, epoch))

		deliveries := make(chan *Delivery, 1)
		go func() {
			defer GinkgoRecover()
			d, err := n.AwaitWindow(ctx, res.FlushAt)
			Expect(err).NotTo(HaveOccurred())
			deliveries <- d
		}()

		Eventually(fakeClock.HasWaiters).Should(BeTrue())
		fakeClock.Step(cfg.Window)

		var d *Delivery
		Eventually(deliveries).Should(Receive(&d))
		Expect(waitFor(d)).To(Succeed())
		Expect(publisher.Sent()).To(HaveLen(1))
	})

	Context("with a file store", func() {
		var path string

		BeforeEach(func() {
			path = filepath.Join(GinkgoT().TempDir(), "state.json")
		})

		newFileNotifier := func() *Notifier {
			GinkgoHelper()
			store, err := NewFileStore(path)
			Expect(err).NotTo(HaveOccurred())
			return New(cfg, store, publisher, WithClock(fakeClock))
		}

		It("shares the window across instances", func() {
			first := newFileNotifier()
			res, err := first.Notify(ctx, event("h1", model.PriorityLow, epoch))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Outcome).To(Equal(OutcomeScheduled))

			second := newFileNotifier()
			res, err = second.Notify(ctx, event("h1", model.PriorityLow, epoch))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Outcome).To(Equal(OutcomeDuplicate))

			res, err = second.Notify(ctx, event("h2", model.PriorityLow, epoch))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Outcome).To(Equal(OutcomeSuppressed))

			fakeClock.Step(cfg.Window)
			d, err := first.FlushDue(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(waitFor(d)).To(Succeed())

			d, err = second.FlushDue(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(d).To(BeNil(), "already flushed by the other instance")

			Expect(publisher.Sent()).To(HaveLen(1))
			Expect(publisher.Sent()[0].CommitIDs).To(Equal([]string{"h1", "h2"}))
		})
	})
})
