// Package metrics holds the prometheus collectors for webhook intake, reconciliation and effects.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Webhook intake
	WebhookRequestsTotal   *prometheus.CounterVec
	WebhookRequestDuration *prometheus.HistogramVec

	// Reconciliation
	TransitionsTotal    *prometheus.CounterVec
	StaleTotal          *prometheus.CounterVec
	AmountMismatchTotal *prometheus.CounterVec
	DuplicateTotal      *prometheus.CounterVec

	// Effects
	EffectsDispatchedTotal *prometheus.CounterVec
	EffectsEnqueueFailures *prometheus.CounterVec

	// Outbound webhooks
	OutboundDeliveriesTotal *prometheus.CounterVec
}

// New creates a Metrics instance registered on its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "festpay"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		WebhookRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "requests_total",
				Help:      "Total number of provider webhook requests by outcome",
			},
			[]string{"provider", "outcome"},
		),
		WebhookRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "request_duration_seconds",
				Help:      "Provider webhook handling duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"provider"},
		),

		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "transitions_total",
				Help:      "Accepted transaction status transitions",
			},
			[]string{"from", "to"},
		),
		StaleTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "stale_total",
				Help:      "Events rejected because their status was no longer reachable",
			},
			[]string{"provider"},
		),
		AmountMismatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "amount_mismatch_total",
				Help:      "Events whose amount or currency disagreed with the stored transaction",
			},
			[]string{"provider"},
		),
		DuplicateTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "duplicate_total",
				Help:      "Redelivered events ignored by deduplication",
			},
			[]string{"provider"},
		),

		EffectsDispatchedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "effects",
				Name:      "dispatched_total",
				Help:      "Effect executions by kind and result",
			},
			[]string{"kind", "result"},
		),
		EffectsEnqueueFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "effects",
				Name:      "enqueue_failures_total",
				Help:      "Effects that could not be enqueued after commit",
			},
			[]string{"kind"},
		),

		OutboundDeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "outbound",
				Name:      "deliveries_total",
				Help:      "Outbound webhook delivery attempts by result",
			},
			[]string{"result"},
		),
	}
}

// Handler exposes the registry for scraping
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
