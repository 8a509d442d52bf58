package ws

import (
	"github.com/prometheus/client_golang/prometheus"
)

type hubMetrics struct {
	activeSessions prometheus.Gauge
	usersOnline    prometheus.Gauge
	groupLogSize   prometheus.Gauge
	sessionTotal   prometheus.Counter
	authFailures   prometheus.Counter
	events         *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	unavailable    prometheus.Counter
	slowConsumers  prometheus.Counter
}

func newHubMetrics(reg prometheus.Registerer) *hubMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &hubMetrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "presencehub_sessions_active",
			Help: "Current number of active websocket sessions.",
		}),
		usersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "presencehub_users_online",
			Help: "Current number of users marked online.",
		}),
		groupLogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "presencehub_group_log_messages",
			Help: "Number of messages kept in the group log.",
		}),
		sessionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "presencehub_sessions_total",
			Help: "Total number of sessions activated since start.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "presencehub_auth_failures_total",
			Help: "Connections rejected by the identity verifier.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presencehub_events_total",
			Help: "Client events routed, by kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presencehub_events_dropped_total",
			Help: "Malformed client events dropped, by reason.",
		}, []string{"reason"}),
		unavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "presencehub_recipient_unavailable_total",
			Help: "Private messages whose recipient was unknown or offline.",
		}),
		slowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "presencehub_slow_consumers_total",
			Help: "Sessions closed because the send queue was full.",
		}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.usersOnline,
		m.groupLogSize,
		m.sessionTotal,
		m.authFailures,
		m.events,
		m.dropped,
		m.unavailable,
		m.slowConsumers,
	)
	return m
}
