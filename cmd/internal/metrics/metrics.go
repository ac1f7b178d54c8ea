// Package metrics exposes the prometheus instruments of the continuum server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "continuum"

// Metrics owns a private registry so tests and multiple servers never collide.
type Metrics struct {
	reg *prometheus.Registry

	connections   prometheus.Gauge
	envelopesIn   *prometheus.CounterVec
	errorsSent    *prometheus.CounterVec
	authResults   *prometheus.CounterVec
	mutations     *prometheus.CounterVec
	fanoutDrops   prometheus.Counter
	expired       prometheus.Counter
	handoffs      *prometheus.CounterVec
	redemptions   *prometheus.CounterVec
	httpDurations *prometheus.HistogramVec
}

// New builds the instruments on a fresh registry, including the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,

		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "connections",
			Help:      "Open realtime connections",
		}),
		envelopesIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "envelopes_in_total",
			Help:      "Envelopes received by type",
		}, []string{"type"}),
		errorsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "errors_sent_total",
			Help:      "Error envelopes sent by code",
		}, []string{"code"}),
		authResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "auth_total",
			Help:      "Auth handshakes by result",
		}, []string{"result"}),
		mutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "mutations_total",
			Help:      "Committed state mutations by operation",
		}, []string{"op"}),
		fanoutDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "fanout_dropped_total",
			Help:      "Updates dropped because a subscriber queue was full",
		}),
		expired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "sessions_expired_total",
			Help:      "Sessions removed by the TTL sweeper",
		}),
		handoffs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handoff",
			Name:      "transitions_total",
			Help:      "Handoff transitions by resulting status",
		}, []string{"status"}),
		redemptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handoff",
			Name:      "token_redemptions_total",
			Help:      "Handoff token redemptions by result",
		}, []string{"result"}),
		httpDurations: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and status class",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "status"}),
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry (tests).
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Gateway events.

func (m *Metrics) ConnOpened() { m.connections.Inc() }
func (m *Metrics) ConnClosed() { m.connections.Dec() }

func (m *Metrics) EnvelopeIn(typ string) { m.envelopesIn.WithLabelValues(typ).Inc() }

func (m *Metrics) ErrorSent(code string) { m.errorsSent.WithLabelValues(code).Inc() }

func (m *Metrics) AuthResult(result string) { m.authResults.WithLabelValues(result).Inc() }

// State events.

func (m *Metrics) MutationApplied(op string) { m.mutations.WithLabelValues(op).Inc() }
func (m *Metrics) FanoutDropped() { m.fanoutDrops.Inc() }
func (m *Metrics) SessionExpired() { m.expired.Inc() }

// Handoff events.

func (m *Metrics) HandoffTransition(status string) { m.handoffs.WithLabelValues(status).Inc() }
func (m *Metrics) TokenRedeemed(result string) { m.redemptions.WithLabelValues(result).Inc() }

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, statusClass string, d time.Duration) {
	m.httpDurations.WithLabelValues(method, statusClass).Observe(d.Seconds())
}
