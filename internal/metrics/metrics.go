package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RelaysByState tracks how many pool relays are in each connection state
	RelaysByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relaypool_relays",
		Help: "Number of relays by connection state",
	}, []string{"state"})

	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaypool_relay_state_transitions_total",
		Help: "Relay connection state transitions by target state",
	}, []string{"relay", "state"})

	ReconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaypool_relay_reconnect_attempts_total",
		Help: "Reconnect attempts after backoff",
	}, []string{"relay"})

	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaypool_messages_received_total",
		Help: "Inbound relay messages by type",
	}, []string{"relay", "type"})

	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaypool_messages_sent_total",
		Help: "Outbound messages enqueued by type",
	}, []string{"relay", "type"})

	SendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaypool_send_failures_total",
		Help: "Outbound messages that could not be enqueued or written",
	}, []string{"relay", "reason"})

	MalformedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaypool_malformed_messages_total",
		Help: "Inbound frames that failed to parse",
	}, []string{"relay"})

	DuplicatesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaypool_duplicate_events_total",
		Help: "Events dropped because they were already delivered",
	})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaypool_events_dropped_total",
		Help: "Events dropped before dispatch by reason",
	}, []string{"reason"})

	EventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaypool_events_delivered_total",
		Help: "First-seen events dispatched to subscription handlers",
	})

	DedupEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaypool_dedup_evictions_total",
		Help: "Entries pushed out of the dedup cache by capacity",
	})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaypool_active_subscriptions",
		Help: "Number of active subscription ids",
	})

	HandlerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaypool_handler_panics_total",
		Help: "Recovered panics raised by subscription or observer handlers",
	})

	PublishAcks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaypool_publish_acks_total",
		Help: "OK messages received for published events",
	}, []string{"relay", "accepted"})
)

// Drop reasons for EventsDropped
const (
	DropUnknownSubscription = "unknown_subscription"
	DropFilterMismatch      = "filter_mismatch"
	DropInvalidSignature    = "invalid_signature"
)
