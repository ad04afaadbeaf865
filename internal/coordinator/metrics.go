package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chatsync/chatsync/internal/chat"
	"github.com/chatsync/chatsync/internal/provider"
)

// Metrics is shared by every coordinator; series are labelled by backend.
type Metrics struct {
	events       *prometheus.CounterVec
	messages     *prometheus.CounterVec
	lookups      *prometheus.CounterVec
	backendCalls *prometheus.CounterVec
	unread       *prometheus.GaugeVec
	refreshes    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_events_total",
			Help: "Backend-pushed events consumed, by backend and kind.",
		}, []string{"provider", "kind"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_messages_applied_total",
			Help: "Message table changes, by backend and operation (upsert, remove).",
		}, []string{"provider", "op"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_user_lookups_total",
			Help: "Single-user lookups issued to fill author gaps, by result.",
		}, []string{"provider", "result"}),
		backendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_backend_calls_total",
			Help: "Backend operations issued by the coordinator, by operation and result.",
		}, []string{"provider", "op", "result"}),
		unread: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chatsync_unread_messages",
			Help: "Total unread messages across a backend's channels.",
		}, []string{"provider"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_state_refreshes_total",
			Help: "Full user and channel refreshes, by mode (cold, stale).",
		}, []string{"provider", "mode"}),
	}

	reg.MustRegister(
		m.events,
		m.messages,
		m.lookups,
		m.backendCalls,
		m.unread,
		m.refreshes,
	)
	return m
}

func (m *Metrics) RecordEvent(p chat.Provider, kind provider.EventKind) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(p), kind.String()).Inc()
}

func (m *Metrics) RecordPatch(p chat.Provider, upserted, removed int) {
	if m == nil {
		return
	}
	if upserted > 0 {
		m.messages.WithLabelValues(string(p), "upsert").Add(float64(upserted))
	}
	if removed > 0 {
		m.messages.WithLabelValues(string(p), "remove").Add(float64(removed))
	}
}

func (m *Metrics) RecordLookups(p chat.Provider, found, notFound, failed int) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(string(p), "found").Add(float64(found))
	m.lookups.WithLabelValues(string(p), "not_found").Add(float64(notFound))
	m.lookups.WithLabelValues(string(p), "failed").Add(float64(failed))
}

func (m *Metrics) RecordCall(p chat.Provider, op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.backendCalls.WithLabelValues(string(p), op, result).Inc()
}

func (m *Metrics) SetUnread(p chat.Provider, n int) {
	if m == nil {
		return
	}
	m.unread.WithLabelValues(string(p)).Set(float64(n))
}

func (m *Metrics) RecordRefresh(p chat.Provider, mode string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(string(p), mode).Inc()
}
