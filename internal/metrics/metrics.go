package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registered on the default registry, which echoprometheus.NewHandler serves.
var (
	ActiveSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "active_sockets",
		Help:      "Live socket connections held by this instance.",
	})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "messages_sent_total",
		Help:      "Messages accepted and persisted.",
	})

	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "dispatches_total",
		Help:      "newMessage emissions by route and outcome.",
	}, []string{"route", "outcome"})

	MissedReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "missed_messages_replayed_total",
		Help:      "Messages replayed to reconnecting users.",
	})
)
