// Package metrics provides Prometheus instrumentation for the facilitator.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Settlement outcome labels.
const (
	SettlementSuccess       = "success"
	SettlementSuccessBridge = "success_bridge"
	SettlementFailure       = "failure"
	SettlementFailureBridge = "failure_bridge"
	SettlementBlocked       = "blocked"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "x402",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "x402",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveConnections tracks open WebSocket connections by role.
	ActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "x402",
			Name:      "active_connections",
			Help:      "Open WebSocket connections by role.",
		},
		[]string{"role"},
	)

	// ActiveSessions tracks live agent sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "x402",
		Name:      "active_sessions",
		Help:      "Live agent sessions held by the session manager.",
	})

	// SettlementsTotal counts settlement attempts by outcome.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "x402",
			Name:      "settlements_total",
			Help:      "Settlement attempts by status.",
		},
		[]string{"status"},
	)

	// SettlementAmount observes settled amounts in base units.
	SettlementAmount = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "x402",
		Name:      "settlement_amount_lamports",
		Help:      "Settled amount per confirmed settlement.",
		Buckets:   []float64{100000, 500000, 1000000, 5000000, 10000000},
	})

	// SettlementDuration observes wall time from signature receipt to outcome.
	SettlementDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "x402",
		Name:      "settlement_duration_seconds",
		Help:      "Time from agent signature to settlement outcome.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	// UsageReportsTotal counts usage reports by channel.
	UsageReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "x402",
			Name:      "usage_reports_total",
			Help:      "Usage reports by channel (provider_ws, http_payment, report_api, paywall).",
		},
		[]string{"channel"},
	)

	// SignatureRequestsTotal counts request_signature messages sent to agents.
	SignatureRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "x402",
		Name:      "signature_requests_total",
		Help:      "Settlement signature requests sent to agents.",
	})

	// DroppedSignaturesTotal counts signatures dropped because a settlement
	// was already in flight.
	DroppedSignaturesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "x402",
		Name:      "dropped_signatures_total",
		Help:      "Settlement signatures dropped while another settlement was in flight.",
	})

	// WebhookDeliveriesTotal counts settlement webhook deliveries by outcome.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "x402",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Settlement webhook deliveries by event type and outcome (delivered, failed).",
		},
		[]string{"event_type", "outcome"},
	)

	// DB connection pool metrics (settlement history store).
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "x402",
		Subsystem: "db",
		Name:      "open_connections",
		Help:      "Number of open database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "x402",
		Subsystem: "db",
		Name:      "in_use_connections",
		Help:      "Number of database connections currently in use.",
	})
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "x402",
		Subsystem: "db",
		Name:      "wait_count_total",
		Help:      "Total number of connections waited for.",
	})

	// GoroutineCount tracks the number of active goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "x402",
		Name:      "goroutines",
		Help:      "Number of active goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveConnections,
		ActiveSessions,
		SettlementsTotal,
		SettlementAmount,
		SettlementDuration,
		UsageReportsTotal,
		SignatureRequestsTotal,
		DroppedSignaturesTotal,
		WebhookDeliveriesTotal,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitCount,
		GoroutineCount,
	)
	for _, role := range []string{"agent", "provider", "observer"} {
		ActiveConnections.WithLabelValues(role)
	}
}

// StartRuntimeCollector samples goroutines, and pool stats when db is
// non-nil, right away and then every interval until ctx is done.
func StartRuntimeCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sampleRuntime(db)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sampleRuntime(db *sql.DB) {
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
	if db == nil {
		return
	}
	stats := db.Stats()
	DBOpenConnections.Set(float64(stats.OpenConnections))
	DBInUseConnections.Set(float64(stats.InUse))
	DBWaitCount.Set(float64(stats.WaitCount))
}

// unmatchedRoute labels requests no route matched, so scanners probing
// random paths share one series.
const unmatchedRoute = "unmatched"

// Middleware records request count and latency by route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		method := c.Request.Method
		HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(method, route, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// statusBucket collapses a status code to its class, e.g. 404 -> "4xx".
func statusBucket(code int) string {
	class := code / 100
	if class < 1 || class > 5 {
		return "5xx"
	}
	return strconv.Itoa(class) + "xx"
}
