// Package metrics exposes coordinator activity as Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Voinich26/siget-sistema-trafico/internal/lockorder"
	"github.com/Voinich26/siget-sistema-trafico/internal/protocol"
	"github.com/Voinich26/siget-sistema-trafico/internal/resync"
	"github.com/Voinich26/siget-sistema-trafico/internal/session"
)

const namespace = "siget"

// Metrics holds every collector on a private registry, so several servers in
// one process (tests) never collide.
type Metrics struct {
	registry *prometheus.Registry

	MessagesProcessed *prometheus.CounterVec
	ProtocolErrors    prometheus.Counter
	SessionsConnected prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	Rejections        *prometheus.CounterVec
	SyncRequests      *prometheus.CounterVec
	EmergencySends    *prometheus.CounterVec
	Mode              prometheus.Gauge
	LockWait          *prometheus.HistogramVec
	LocksHeld         *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "processed_total",
				Help:      "Inbound messages handled by the dispatcher",
			},
			[]string{"kind", "status"},
		),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "malformed_total",
			Help:      "Inbound lines dropped as malformed",
		}),
		SessionsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "connected",
			Help:      "Registered light sessions",
		}),
		SessionEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sessions",
				Name:      "events_total",
				Help:      "Session lifecycle events (registered, removed, evicted)",
			},
			[]string{"event"},
		),
		Rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connections",
				Name:      "rejected_total",
				Help:      "Connections or registrations refused",
			},
			[]string{"reason"},
		),
		SyncRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "requests_total",
				Help:      "sync_request sends by outcome",
			},
			[]string{"result"},
		),
		EmergencySends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "emergency",
				Name:      "sends_total",
				Help:      "emergency_override sends by outcome",
			},
			[]string{"result"},
		),
		Mode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mode",
			Help:      "System mode (0=NORMAL, 1=EMERGENCY)",
		}),
		LockWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "locks",
				Name:      "wait_seconds",
				Help:      "Time spent waiting to acquire a lock resource",
				Buckets:   []float64{.00001, .0001, .001, .01, .1, 1, 5},
			},
			[]string{"resource", "access"},
		),
		LocksHeld: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "locks",
				Name:      "held",
				Help:      "Current holders of each lock resource",
			},
			[]string{"resource"},
		),
	}

	m.registry.MustRegister(
		m.MessagesProcessed,
		m.ProtocolErrors,
		m.SessionsConnected,
		m.SessionEvents,
		m.Rejections,
		m.SyncRequests,
		m.EmergencySends,
		m.Mode,
		m.LockWait,
		m.LocksHeld,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveLock is a lockorder.Observer.
func (m *Metrics) ObserveLock(ev lockorder.Event) {
	res := string(ev.Resource)
	switch ev.Kind {
	case lockorder.Acquired:
		access := "exclusive"
		if ev.Shared {
			access = "shared"
		}
		m.LockWait.WithLabelValues(res, access).Observe(ev.Waited.Seconds())
		m.LocksHeld.WithLabelValues(res).Inc()
	case lockorder.Released:
		m.LocksHeld.WithLabelValues(res).Dec()
	}
}

// ObserveSession tracks registry lifecycle events.
func (m *Metrics) ObserveSession(ev session.Event) {
	m.SessionEvents.WithLabelValues(ev.Type.String()).Inc()
	m.SessionsConnected.Set(float64(ev.Connected))
}

// ObserveMessage counts one handled message.
func (m *Metrics) ObserveMessage(kind protocol.Kind, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.MessagesProcessed.WithLabelValues(string(kind), status).Inc()
}

// ObserveSync counts one synchronizer cycle.
func (m *Metrics) ObserveSync(r resync.Result) {
	m.SyncRequests.WithLabelValues("sent").Add(float64(r.Sent))
	m.SyncRequests.WithLabelValues("failed").Add(float64(r.Failed))
}

// ObserveEmergency counts one override broadcast.
func (m *Metrics) ObserveEmergency(delivered, failed int) {
	m.EmergencySends.WithLabelValues("delivered").Add(float64(delivered))
	m.EmergencySends.WithLabelValues("failed").Add(float64(failed))
	m.Mode.Set(1)
}

// SetMode records the current mode.
func (m *Metrics) SetMode(mode protocol.Mode) {
	m.Mode.Set(float64(mode))
}
