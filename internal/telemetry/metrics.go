// Package telemetry provides Prometheus metrics for the persona service.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "devteam"

// Metrics holds the service collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	eventsDispatched   *prometheus.CounterVec
	eventsDuplicate    prometheus.Counter
	generationAttempts *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	actorsActive       prometheus.Gauge
	actorActivations   *prometheus.CounterVec
	actorEvictions     prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates the collectors on a private registry.
// It returns nil when metrics are disabled.
func NewMetrics(enabled bool) *Metrics {
	if !enabled {
		return nil
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		eventsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dispatched_total",
				Help:      "Events dispatched by persona actors",
			},
			[]string{"kind", "outcome"},
		),
		eventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_duplicate_total",
			Help:      "Events dropped because their ID was already processed",
		}),
		generationAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generation_attempts_total",
				Help:      "Generation engine attempts",
			},
			[]string{"template", "outcome"},
		),
		generationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generation_duration_seconds",
				Help:      "Duration of generation engine attempts in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"template"},
		),
		actorsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "actors_active",
			Help:      "Persona actors currently running",
		}),
		actorActivations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actor_activations_total",
				Help:      "Persona actor activations",
			},
			[]string{"outcome"},
		),
		actorEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actor_evictions_total",
			Help:      "Persona actors retired after being idle",
		}),
	}

	registry.MustRegister(
		m.eventsDispatched,
		m.eventsDuplicate,
		m.generationAttempts,
		m.generationDuration,
		m.actorsActive,
		m.actorActivations,
		m.actorEvictions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// EventDispatched counts one dispatched event.
func (m *Metrics) EventDispatched(kind, outcome string) {
	if m == nil {
		return
	}
	m.eventsDispatched.WithLabelValues(kind, outcome).Inc()
}

// EventDuplicate counts one dropped duplicate event.
func (m *Metrics) EventDuplicate() {
	if m == nil {
		return
	}
	m.eventsDuplicate.Inc()
}

// GenerationAttempt records one engine attempt.
func (m *Metrics) GenerationAttempt(template, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.generationAttempts.WithLabelValues(template, outcome).Inc()
	m.generationDuration.WithLabelValues(template).Observe(d.Seconds())
}

// ActorStarted records an activation attempt and its outcome.
func (m *Metrics) ActorStarted(ok bool) {
	if m == nil {
		return
	}
	if !ok {
		m.actorActivations.WithLabelValues("failed").Inc()
		return
	}
	m.actorActivations.WithLabelValues("ok").Inc()
	m.actorsActive.Inc()
}

// ActorStopped records an actor leaving the runtime.
func (m *Metrics) ActorStopped(evicted bool) {
	if m == nil {
		return
	}
	m.actorsActive.Dec()
	if evicted {
		m.actorEvictions.Inc()
	}
}
