package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Broker metrics
var (
	BrokerMessagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_broker_messages_received_total",
			Help: "Total number of messages delivered by the broker",
		},
		[]string{"transport"},
	)

	BrokerConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_broker_connection_state",
			Help: "Current broker connection state (0 disconnected, 1 connecting, 2 connected, 3 closing)",
		},
		[]string{"transport"},
	)

	BrokerReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_broker_reconnects_total",
			Help: "Total number of broker reconnect attempts",
		},
		[]string{"transport", "result"}, // success, failure
	)

	BrokerSettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_broker_settlements_total",
			Help: "Total number of broker-level settlements",
		},
		[]string{"transport", "disposition"}, // ack, reject, requeue
	)
)

// Dispatcher metrics
var (
	DecodeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_decode_failures_total",
			Help: "Total number of payloads that failed to decode",
		},
		[]string{"kind"}, // malformed_encoding, schema_violation
	)

	HandoffRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_handoff_rejected_total",
			Help: "Total number of deliveries requeued because the handoff queue was full",
		},
	)

	InFlightMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_in_flight_messages",
			Help: "Number of broker messages currently being processed",
		},
	)

	InFlightHighWater = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_in_flight_high_water",
			Help: "Highest number of broker messages processed concurrently",
		},
	)

	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_processing_duration_seconds",
			Help:    "Duration from handoff to settlement of a broker message",
			Buckets: prometheus.DefBuckets,
		},
	)

	RepliesPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_replies_published_total",
			Help: "Total number of ack/nack replies",
		},
		[]string{"kind", "result"}, // ack|nack, success|failure
	)
)

// Delivery metrics
var (
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Total number of delivery attempts by channel and outcome",
		},
		[]string{"channel", "outcome"}, // http|broker, success|failure
	)

	DeliveryFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_delivery_failures_total",
			Help: "Total number of failed deliveries by classified reason",
		},
		[]string{"reason"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_delivery_duration_seconds",
			Help:    "Duration of template render plus transport send",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)
)

// API metrics
var (
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_api_request_duration_seconds",
			Help:    "Duration of API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	APIAuthFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_api_auth_failures_total",
			Help: "Total number of rejected secret keys",
		},
	)
)

// Delivery log metrics
var (
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_db_query_duration_seconds",
			Help:    "Duration of database queries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	DBErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_db_errors_total",
			Help: "Total number of database errors",
		},
		[]string{"query"},
	)
)
