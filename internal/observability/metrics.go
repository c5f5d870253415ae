package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_http_requests_total",
			Help: "Total number of HTTP requests processed by the sync daemon.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatsync_ws_active_connections",
			Help: "Number of active websocket subscribers.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"kind", "event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	messagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_messages_sent_total",
			Help: "Messages successfully written to the remote store.",
		},
		[]string{"kind"},
	)
	sendFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_send_failures_total",
			Help: "Message sends that failed and were marked failed locally.",
		},
	)
	snapshotsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_snapshots_applied_total",
			Help: "Remote snapshot batches merged into the local view.",
		},
		[]string{"feed"},
	)
	deliveryCompletionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_delivery_completions_total",
			Help: "Messages garbage-collected from the remote store after full delivery.",
		},
	)
	readReceiptsMarkedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_read_receipts_marked_total",
			Help: "Messages marked read via batched read receipts.",
		},
	)
	decodeSkipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_decode_skips_total",
			Help: "Malformed remote documents skipped during snapshot merges.",
		},
		[]string{"doc"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
		messagesSentTotal,
		sendFailuresTotal,
		snapshotsAppliedTotal,
		deliveryCompletionsTotal,
		readReceiptsMarkedTotal,
		decodeSkipsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Inc()
}

func DecWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Dec()
}

func IncWSEvent(kind, event string) {
	wsEventsTotal.WithLabelValues(kind, event).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

func IncMessageSent(kind string) {
	messagesSentTotal.WithLabelValues(kind).Inc()
}

func IncSendFailure() {
	sendFailuresTotal.Inc()
}

func IncSnapshotApplied(feed string) {
	snapshotsAppliedTotal.WithLabelValues(feed).Inc()
}

func IncDeliveryCompletion() {
	deliveryCompletionsTotal.Inc()
}

func IncReadReceiptBatch(count int) {
	readReceiptsMarkedTotal.Add(float64(count))
}

func IncDecodeSkip(doc string) {
	decodeSkipsTotal.WithLabelValues(doc).Inc()
}
