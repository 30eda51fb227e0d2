package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the bridge pipeline. Scraped from the admin
// server's /metrics endpoint.
var (
	// Delivery metrics
	MessagesForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_messages_forwarded_total",
		Help: "Total messages delivered to Telegram",
	})

	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_messages_dropped_total",
		Help: "Total messages dropped, by reason",
	}, []string{"reason"})

	// Queue metrics
	IngressQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_ingress_queue_depth",
		Help: "Current number of messages waiting in the ingress queue",
	})

	BatchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_batch_queue_depth",
		Help: "Current number of messages waiting in the batch buffer",
	})

	// Source-side metrics
	GatewayReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_gateway_reconnects_total",
		Help: "Gateway stream reconnects, by session index",
	}, []string{"session"})

	GatewayEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_gateway_events_total",
		Help: "MESSAGE_CREATE events received from the gateway stream",
	})

	DiscordSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_discord_sessions",
		Help: "Number of valid authenticated Discord sessions",
	})

	// Sink-side metrics
	TopicsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_topics_created_total",
		Help: "Forum topics created on the Telegram side",
	})

	TopicsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_topics_pruned_total",
		Help: "Cached topics removed because they no longer exist",
	})

	// Rate limiter metrics
	LimiterMultiplier = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bridge_limiter_adaptive_multiplier",
		Help: "Current adaptive multiplier per limiter (0.5-1.2)",
	}, []string{"limiter"})

	RateLimitTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_rate_limit_timeouts_total",
		Help: "Rate limiter waits that exceeded their budget, by limiter",
	}, []string{"limiter"})

	// System metrics
	MemoryRSSBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_memory_rss_bytes",
		Help: "Resident set size of the bridge process",
	})

	HealthScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_health_score",
		Help: "Derived health score (0-100)",
	})
)

// Drop reasons used with MessagesDropped.
const (
	DropReasonQueueFull   = "queue_full"
	DropReasonRateLimited = "rate_limited"
	DropReasonSendFailed  = "send_failed"
	DropReasonValidation  = "validation"
)
