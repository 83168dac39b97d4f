package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the realtime collectors. A nil *Metrics records nothing.
type Metrics struct {
	sessions      *prometheus.GaugeVec
	channels      prometheus.Gauge
	published     *prometheus.CounterVec
	deliveries    prometheus.Counter
	drops         *prometheus.CounterVec
	requests      *prometheus.CounterVec
	statusChanges *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smartdine_realtime_sessions",
			Help: "Connected realtime sessions by transport",
		}, []string{"transport"}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smartdine_realtime_channels",
			Help: "Channels currently held by the registry",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartdine_realtime_events_published_total",
			Help: "Events published by type",
		}, []string{"type"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smartdine_realtime_deliveries_total",
			Help: "Events queued to a session",
		}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartdine_realtime_delivery_drops_total",
			Help: "Events dropped for a session by reason",
		}, []string{"reason"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartdine_realtime_requests_total",
			Help: "Inbound session requests by type and result",
		}, []string{"type", "result"}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartdine_status_changes_total",
			Help: "Status change attempts by outcome",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.sessions, m.channels, m.published, m.deliveries, m.drops, m.requests, m.statusChanges)
	}
	return m
}

func (m *Metrics) sessionOpened(transport string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(transport).Inc()
}

func (m *Metrics) sessionClosed(transport string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(transport).Dec()
}

func (m *Metrics) setChannels(n int) {
	if m == nil {
		return
	}
	m.channels.Set(float64(n))
}

func (m *Metrics) eventPublished(typ string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(typ).Inc()
}

func (m *Metrics) delivered() {
	if m == nil {
		return
	}
	m.deliveries.Inc()
}

func (m *Metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.drops.WithLabelValues(reason).Inc()
}

func (m *Metrics) request(typ, result string) {
	if m == nil {
		return
	}
	if typ == "" {
		typ = "unknown"
	}
	m.requests.WithLabelValues(typ, result).Inc()
}

// ObserveStatusChange counts one status change attempt. outcome is "ok" or
// an error kind.
func (m *Metrics) ObserveStatusChange(outcome string) {
	if m == nil {
		return
	}
	m.statusChanges.WithLabelValues(outcome).Inc()
}
