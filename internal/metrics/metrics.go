// Package metrics provides Prometheus instrumentation for the escrow engine.
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

const namespace = "jobescrow"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// PaymentsCreatedTotal counts payments created, by method.
	PaymentsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_created_total",
			Help:      "Total payments created by payment method.",
		},
		[]string{"method"},
	)

	// PaymentTransitionsTotal counts transition attempts by intent and result
	// (applied, noop, illegal, conflict, error).
	PaymentTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_transitions_total",
			Help:      "Total payment transition attempts by intent and result.",
		},
		[]string{"intent", "result"},
	)

	// MilestonesPaidTotal counts milestones paid out.
	MilestonesPaidTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "milestones_paid_total",
		Help:      "Total milestones paid.",
	})

	// GrossVolume sums gross amounts entering escrow, by currency.
	GrossVolume = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrowed_gross_volume_total",
			Help:      "Sum of gross amounts that entered escrow, in whole currency units.",
		},
		[]string{"currency"},
	)

	// TimeToSettle observes the time from escrow entry to release or refund.
	TimeToSettle = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "payment_settle_duration_seconds",
		Help:      "Time from escrow to release or refund in seconds.",
		Buckets:   []float64{60, 600, 3600, 6 * 3600, 86400, 3 * 86400, 7 * 86400, 30 * 86400},
	})

	// EventsPublishedTotal counts domain event deliveries by sink and result.
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total domain events published by sink and result.",
		},
		[]string{"sink", "result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBConnections samples sql.DBStats pool counts by state (open, idle, in_use).
	DBConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections",
		Help:      "Database pool connections by state.",
	}, []string{"state"})

	// DBWaitSeconds is the cumulative time callers spent waiting for a pooled connection.
	DBWaitSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_wait_seconds_total",
		Help:      "Cumulative seconds spent waiting for a database connection.",
	})

	// Goroutines tracks runtime.NumGoroutine.
	Goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "goroutines",
		Help:      "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PaymentsCreatedTotal,
		PaymentTransitionsTotal,
		MilestonesPaidTotal,
		GrossVolume,
		TimeToSettle,
		EventsPublishedTotal,
		ActiveWebSocketClients,
		DBConnections,
		DBWaitSeconds,
		Goroutines,
	)
}

// StartDBStatsCollector samples pool statistics every interval until ctx
// is cancelled. Run it in its own goroutine.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sampleDBStats(db.Stats())
		}
	}
}

func sampleDBStats(st sql.DBStats) {
	DBConnections.WithLabelValues("open").Set(float64(st.OpenConnections))
	DBConnections.WithLabelValues("idle").Set(float64(st.Idle))
	DBConnections.WithLabelValues("in_use").Set(float64(st.InUse))
	DBWaitSeconds.Set(st.WaitDuration.Seconds())
	Goroutines.Set(float64(runtime.NumGoroutine()))
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not the raw path
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
