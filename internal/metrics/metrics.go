package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClientsConnected tracks the number of currently connected clients
	ClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_clients_connected",
		Help: "Number of currently connected MQTT clients",
	})

	// MessagesReceived counts total messages received
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqtt_messages_received_total",
			Help: "Total number of MQTT messages received by type",
		},
		[]string{"type"},
	)

	// MessagesSent counts total messages sent
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqtt_messages_sent_total",
			Help: "Total number of MQTT messages sent by type",
		},
		[]string{"type"},
	)

	// BytesReceived tracks bytes received
	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_bytes_received_total",
		Help: "Total bytes received from MQTT clients",
	})

	// BytesSent tracks bytes sent
	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_bytes_sent_total",
		Help: "Total bytes sent to MQTT clients",
	})

	// ConnectionsTotal tracks total connection attempts
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_connections_total",
		Help: "Total number of connection attempts",
	})

	// SubscriptionsActive tracks active subscriptions
	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_subscriptions_active",
		Help: "Number of active subscriptions",
	})

	// RetainedMessages tracks retained messages
	RetainedMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_retained_messages",
		Help: "Number of retained messages",
	})

	// QoSMessagesInflight tracks in-flight QoS 1/2 messages
	QoSMessagesInflight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mqtt_qos_messages_inflight",
			Help: "Number of in-flight QoS 1/2 messages",
		},
		[]string{"qos"},
	)

	// SessionTakeovers counts CONNECTs that evicted an existing session
	// for the same client ID.
	SessionTakeovers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_session_takeovers_total",
		Help: "Total number of session takeovers (reconnect with an in-use client id)",
	})

	// AuthFailures counts CONNECTs rejected for bad credentials.
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_auth_failures_total",
		Help: "Total number of CONNECT attempts rejected for bad credentials",
	})

	// RedeliveryAttempts counts DUP re-sends by the redelivery loop.
	RedeliveryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_redelivery_attempts_total",
		Help: "Total number of QoS 1 PUBLISH frames re-sent with DUP set",
	})

	// WillMessagesPublished counts will messages published on ungraceful
	// disconnect.
	WillMessagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_will_messages_published_total",
		Help: "Total number of will messages published due to ungraceful disconnect",
	})

	// OutboundDrops counts frames dropped because a subscriber's outbound
	// queue was full.
	OutboundDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_outbound_drops_total",
		Help: "Total number of frames dropped due to a full outbound queue",
	})
)
