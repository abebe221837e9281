// Package metrics holds the Prometheus collectors exported by the service.
// A nil *Metrics is valid and records nothing, so tests can omit it.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine, broadcast and HTTP collectors.
type Metrics struct {
	operations         *prometheus.CounterVec
	expired            prometheus.Counter
	purged             prometheus.Counter
	activeReservations prometheus.Gauge
	ledgerLatency      *prometheus.HistogramVec
	eventsPublished    prometheus.Counter
	eventsDropped      *prometheus.CounterVec
	subscribers        prometheus.Gauge
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockreserve_operations_total",
			Help: "Reservation operations by kind and outcome.",
		}, []string{"operation", "outcome"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockreserve_reservations_expired_total",
			Help: "Reservations expired by the sweeper or on access after their deadline.",
		}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockreserve_reservations_purged_total",
			Help: "Terminal reservations dropped after the retention window.",
		}),
		activeReservations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stockreserve_active_reservations",
			Help: "Reservations currently holding stock.",
		}),
		ledgerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stockreserve_ledger_call_seconds",
			Help:    "Latency of calls into the stock ledger.",
			Buckets: prometheus.DefBuckets,
		}, []string{"call", "outcome"}),
		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockreserve_events_published_total",
			Help: "Stock events published to the broadcaster.",
		}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockreserve_events_dropped_total",
			Help: "Stock events dropped because a subscriber or sink was full.",
		}, []string{"sink"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stockreserve_subscribers",
			Help: "Open stock subscriptions across all transports.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockreserve_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stockreserve_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.operations,
		m.expired,
		m.purged,
		m.activeReservations,
		m.ledgerLatency,
		m.eventsPublished,
		m.eventsDropped,
		m.subscribers,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Operation records the outcome of a reserve, release, confirm or adjust.
func (m *Metrics) Operation(op, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

// Expired counts n reservations moved to expired.
func (m *Metrics) Expired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.Add(float64(n))
}

// Purged counts n terminal reservations garbage-collected.
func (m *Metrics) Purged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.Add(float64(n))
}

// SetActiveReservations sets the active reservation gauge.
func (m *Metrics) SetActiveReservations(n int) {
	if m == nil {
		return
	}
	m.activeReservations.Set(float64(n))
}

// LedgerCall observes a ledger round trip.
func (m *Metrics) LedgerCall(call string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ledgerLatency.WithLabelValues(call, outcome).Observe(time.Since(start).Seconds())
}

// EventPublished counts one event handed to the broadcaster.
func (m *Metrics) EventPublished() {
	if m == nil {
		return
	}
	m.eventsPublished.Inc()
}

// EventDropped counts one event lost at sink.
func (m *Metrics) EventDropped(sink string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(sink).Inc()
}

// SubscriberAdded and SubscriberRemoved track open subscriptions.
func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

// HTTPRequest records a served request.
func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}
