// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

// Package metrics provides Prometheus instrumentation for the gateway:
// inbound pipeline throughput, rule engine activity, outbound commands,
// fan-out delivery, and HTTP endpoint latency.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Inbound pipeline metrics

	TelemetryMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_messages_total",
			Help: "Inbound telemetry messages by processing result",
		},
		[]string{"result"}, // "processed", "invalid_topic", "invalid_payload", "unknown_feed", "persist_failed"
	)

	TelemetryPersistDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telemetry_persist_duration_seconds",
			Help:    "Duration of telemetry store writes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Rule engine metrics

	RuleEvaluations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rule_evaluations_total",
			Help: "Total threshold rule evaluations",
		},
	)

	RuleAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_alerts_total",
			Help: "First-violation alerts by breach direction",
		},
		[]string{"direction"}, // "above", "below"
	)

	RuleCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_commands_total",
			Help: "Debounced corrective commands by breach direction",
		},
		[]string{"direction"},
	)

	// Outbound command metrics

	CommandPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "command_publishes_total",
			Help: "Outbound command publishes by result",
		},
		[]string{"result"}, // "ok", "error", "rate_limited", "breaker_open"
	)

	// Subscription registry metrics

	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_active_subscriptions",
			Help: "Users with a live inbound broker connection",
		},
	)

	SubscribedTopics = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_subscribed_topics",
			Help: "Total subscribed inbound topics across all users",
		},
	)

	// Fan-out metrics

	FanoutDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_messages_delivered_total",
			Help: "Fan-out messages delivered to at least one reader",
		},
	)

	FanoutDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_messages_dropped_total",
			Help: "Fan-out messages dropped by reason",
		},
		[]string{"reason"}, // "no_channel", "no_readers", "reader_full"
	)

	FanoutReaders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fanout_readers",
			Help: "Currently attached live-client readers",
		},
	)

	// WebSocket / HTTP metrics

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Currently open live-client WebSocket sessions",
		},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "status"},
	)
)

// ObserveHTTPRequest records one HTTP request's latency and status.
func ObserveHTTPRequest(route string, status int, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(duration.Seconds())
}
