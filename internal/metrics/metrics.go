package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	namespace = "deploypulse"

	// Delivery results
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
)

// Metrics holds the collectors shared by the pipeline
type Metrics struct {
	registry *prometheus.Registry

	EventsClassified *prometheus.CounterVec
	Notifications    *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram
	CoalescedEvents  prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsClassified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_classified_total",
			Help:      "Deployment events classified, by type and priority",
		}, []string{"type", "priority"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notify decisions, by outcome",
		}, []string{"outcome"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Webhook deliveries, by result",
		}, []string{"result"}),
		DeliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time spent delivering one update to all publishers, retries included",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		CoalescedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coalesced_events_total",
			Help:      "Events merged into an already open notification window",
		}),
	}

	m.registry.MustRegister(
		m.EventsClassified,
		m.Notifications,
		m.Deliveries,
		m.DeliveryDuration,
		m.CoalescedEvents,
	)

	return m
}

// Registry exposes the registry for gathering
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Push sends the current values to a Prometheus Pushgateway. Short-lived CLI
// invocations have no scrape endpoint, so this is how their counters survive.
func (m *Metrics) Push(ctx context.Context, gatewayURL, job string) error {
	if err := push.New(gatewayURL, job).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", gatewayURL, err)
	}
	return nil
}
