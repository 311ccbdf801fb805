// Package metrics provides Prometheus instrumentation for the Chainvoice platform.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainvoice",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chainvoice",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// VerificationsTotal counts verification verdicts by chain and outcome.
	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainvoice",
			Name:      "verifications_total",
			Help:      "Total invoice verifications by chain and outcome.",
		},
		[]string{"chain", "outcome"},
	)

	// SettlementsTotal counts settlement attempts by result.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainvoice",
			Name:      "settlements_total",
			Help:      "Total settlement attempts by result (applied, duplicate, invalid_state, error).",
		},
		[]string{"result"},
	)

	// SweepDuration observes full polling sweep duration per chain.
	SweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chainvoice",
			Name:      "sweep_duration_seconds",
			Help:      "Polling sweep duration per chain in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"chain"},
	)

	// SweepInvoicesChecked counts invoices fed through verification per sweep.
	SweepInvoicesChecked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainvoice",
			Name:      "sweep_invoices_checked_total",
			Help:      "Total pending invoices checked by the polling sweeper per chain.",
		},
		[]string{"chain"},
	)

	// InvoicesExpiredTotal counts invoices expired by the expiry sweeper.
	InvoicesExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chainvoice",
		Name:      "invoices_expired_total",
		Help:      "Total invoices transitioned to expired.",
	})

	// WebhooksTotal counts inbound explorer webhook deliveries by result.
	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainvoice",
			Name:      "webhooks_total",
			Help:      "Total inbound webhook deliveries by result (settled, ignored, malformed, unauthorized).",
		},
		[]string{"result"},
	)

	// AdapterErrorsTotal counts indeterminate explorer outcomes per chain.
	AdapterErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainvoice",
			Name:      "adapter_errors_total",
			Help:      "Total chain adapter errors (timeouts, rate limits, RPC failures) per chain.",
		},
		[]string{"chain"},
	)

	// ReservationsTotal counts inventory reservation operations by kind.
	ReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chainvoice",
			Name:      "reservations_total",
			Help:      "Total inventory reservation operations (reserve, release, consume, out_of_stock).",
		},
		[]string{"op"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chainvoice",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainvoice", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainvoice", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainvoice", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainvoice", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		VerificationsTotal,
		SettlementsTotal,
		SweepDuration,
		SweepInvoicesChecked,
		InvoicesExpiredTotal,
		WebhooksTotal,
		AdapterErrorsTotal,
		ReservationsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
