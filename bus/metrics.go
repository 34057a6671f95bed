package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery outcome counters, labeled by the receiving (or sending) agent.
var (
	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "casereview",
		Subsystem: "bus",
		Name:      "messages_sent_total",
		Help:      "Wrappers published to the shared channel.",
	}, []string{"agent"})

	messagesAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "casereview",
		Subsystem: "bus",
		Name:      "messages_accepted_total",
		Help:      "Wrappers dispatched to a handler and permanently removed.",
	}, []string{"agent"})

	messagesAbandoned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "casereview",
		Subsystem: "bus",
		Name:      "messages_abandoned_total",
		Help:      "Wrappers returned to the subscription after a to_agent mismatch.",
	}, []string{"agent"})

	messagesDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "casereview",
		Subsystem: "bus",
		Name:      "messages_dead_lettered_total",
		Help:      "Wrappers moved to the dead-letter channel after a handler failure.",
	}, []string{"agent"})
)
