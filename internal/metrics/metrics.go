package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Database connection
	// ============================================
	DBConnectionPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clearnode_db_connection_pool_size",
		Help: "Database connection pool size",
	})

	DBConnectionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clearnode_db_connection_active",
		Help: "Number of active database connections",
	})

	DBConnectionIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clearnode_db_connection_idle",
		Help: "Number of idle database connections",
	})

	DBConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clearnode_db_connection_status",
		Help: "Database connection status (1=healthy, 0=unhealthy)",
	})

	// ============================================
	// Websocket RPC
	// ============================================
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clearnode_ws_connections",
		Help: "Number of open websocket RPC connections",
	})

	WSAuthenticated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clearnode_ws_authenticated_connections",
		Help: "Number of websocket connections bound to a wallet",
	})

	RPCRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearnode_rpc_requests_total",
			Help: "Total number of RPC requests by method and outcome",
		},
		[]string{"method", "status"},
	)

	RPCDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clearnode_rpc_request_duration_seconds",
			Help:    "RPC request handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	RPCRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clearnode_rpc_rate_limited_total",
		Help: "Total number of RPC requests rejected by the per-connection limiter",
	})

	NotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearnode_notifications_dropped_total",
			Help: "Notifications dropped because a connection buffer was full",
		},
		[]string{"method"},
	)

	// ============================================
	// Ledger and state machines
	// ============================================
	LedgerTransactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearnode_ledger_transactions_total",
			Help: "Total number of ledger transactions recorded",
		},
		[]string{"tx_type"},
	)

	ChannelTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearnode_channel_transitions_total",
			Help: "Channel status transitions",
		},
		[]string{"status"},
	)

	AppSessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearnode_app_session_transitions_total",
			Help: "Accepted application session state submissions by intent",
		},
		[]string{"intent"},
	)

	StaleChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clearnode_stale_joining_channels",
		Help: "Channels stuck in joining past the join timeout at the last sweep",
	})

	// ============================================
	// NATS connection and messages
	// ============================================
	NATSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clearnode_nats_connection_status",
		Help: "NATS connection status (1=connected, 0=disconnected)",
	})

	NATSMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearnode_nats_messages_received_total",
			Help: "Total number of NATS messages received",
		},
		[]string{"event_type"},
	)

	NATSMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearnode_nats_messages_processed_total",
			Help: "Total number of NATS messages processed successfully",
		},
		[]string{"event_type"},
	)

	NATSMessagesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearnode_nats_messages_failed_total",
			Help: "Total number of NATS messages failed to process",
		},
		[]string{"event_type", "error_type"},
	)

	NATSSubscriptionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clearnode_nats_subscription_status",
			Help: "NATS subscription status (1=active, 0=inactive)",
		},
		[]string{"subject"},
	)

	// ============================================
	// Custody event listener
	// ============================================
	EventListenerStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clearnode_event_listener_status",
			Help: "Custody event listener status (1=active, 0=inactive)",
		},
		[]string{"chain"},
	)

	EventListenerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearnode_event_listener_errors_total",
			Help: "Total number of custody event listener errors",
		},
		[]string{"chain", "error_type"},
	)

	CustodyEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clearnode_custody_events_total",
			Help: "Custody contract events applied",
		},
		[]string{"chain", "event"},
	)

	EventProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clearnode_event_processing_duration_seconds",
			Help:    "Custody event processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event"},
	)

	LastScannedBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clearnode_last_scanned_block",
			Help: "Last block scanned for custody events",
		},
		[]string{"chain"},
	)

	// ============================================
	// Broker wallet
	// ============================================
	BrokerBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clearnode_broker_native_balance",
			Help: "Native token balance of the broker address",
		},
		[]string{"chain", "address"},
	)
)
