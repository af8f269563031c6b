// Package metrics exposes authentication counters and request latencies in
// the Prometheus format. Security events are counted off the event bus.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go-plm/internal/event"
)

const namespace = "plm"

type Metrics struct {
	registry        *prometheus.Registry
	events          *prometheus.CounterVec
	lockouts        prometheus.Counter
	evictions       prometheus.Counter
	refreshReuse    prometheus.Counter
	requestDuration *prometheus.HistogramVec
}

// New builds a registry with the process and Go runtime collectors plus the
// service's own series. dropped reports event bus deliveries that were
// skipped; it may be nil.
func New(dropped func() int64) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_total",
			Help:      "Security events by type and outcome.",
		}, []string{"type", "status"}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "account_lockouts_total",
			Help:      "Accounts locked after repeated login failures.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_evictions_total",
			Help:      "Sessions revoked to stay within the per-user cap.",
		}),
		refreshReuse: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_token_reuse_total",
			Help:      "Superseded refresh tokens presented again.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.events,
		m.lockouts,
		m.evictions,
		m.refreshReuse,
		m.requestDuration,
	)

	if dropped != nil {
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_bus_dropped_total",
			Help:      "Event deliveries skipped because a subscriber was full.",
		}, func() float64 { return float64(dropped()) }))
	}

	return m
}

// Observe counts one security event.
func (m *Metrics) Observe(e event.Event) {
	m.events.WithLabelValues(string(e.Type), e.Status).Inc()

	switch e.Type {
	case event.TypeAccountLocked:
		m.lockouts.Inc()
	case event.TypeSessionEvicted:
		m.evictions.Inc()
	case event.TypeRefreshReuse:
		m.refreshReuse.Inc()
	}
}

// Run counts events until ctx is cancelled or the channel closes.
func (m *Metrics) Run(ctx context.Context, events <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}

func (m *Metrics) ObserveRequest(method string, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
