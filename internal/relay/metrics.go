package relay

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	activePeers   prometheus.Gauge
	broadcasts    prometheus.Counter
	requests      *prometheus.CounterVec
	rateLimited   prometheus.Counter
	sessionsEnded prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		activePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_relay_peers",
			Help: "Current number of peers known to the relay session.",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_relay_broadcasts_total",
			Help: "Messages stamped and broadcast by the relay.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_relay_requests_total",
			Help: "Peer requests handled by the relay, by method and result.",
		}, []string{"method", "result"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_relay_rate_limited_total",
			Help: "Peer messages rejected by the per-peer rate limit.",
		}),
		sessionsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_relay_sessions_ended_total",
			Help: "Relay or follower sessions that ended.",
		}),
	}

	reg.MustRegister(
		m.activePeers,
		m.broadcasts,
		m.requests,
		m.rateLimited,
		m.sessionsEnded,
	)
	return m
}

func (m *Metrics) SetActivePeers(n int) {
	if m == nil {
		return
	}
	m.activePeers.Set(float64(n))
}

func (m *Metrics) RecordBroadcast() {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
}

func (m *Metrics) RecordRequest(method string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.requests.WithLabelValues(method, result).Inc()
}

func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) RecordSessionEnded() {
	if m == nil {
		return
	}
	m.sessionsEnded.Inc()
}
