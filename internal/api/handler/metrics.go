package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/cdrledger/internal/pipeline"
	"github.com/jmerrifield20/cdrledger/internal/verify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cdrIngestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdr_ingest_total",
		Help: "Records processed by the ingest pipeline, by outcome.",
	}, []string{"outcome"})

	cdrLedgerAppendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdr_ledger_appends_total",
		Help: "Ledger entries appended by this process.",
	})

	cdrDegradedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdr_degraded_total",
		Help: "Ledger entries whose mapping could not be recorded.",
	})

	cdrVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdr_verifications_total",
		Help: "Verifications by status and whether the cache served them.",
	}, []string{"status", "cached"})

	cdrRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdr_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	cdrRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cdr_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	cdrHealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdr_health_checks_total",
		Help: "Health probes by component and result.",
	}, []string{"component", "result"})

	cdrNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdr_notifications_total",
		Help: "Webhook notifications by event type and delivery result.",
	}, []string{"event", "result"})

	cdrSourceRotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdr_source_rotations_total",
		Help: "Source log rotations and truncations detected by the tailer.",
	}, []string{"reason"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		cdrRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		cdrRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// RecordIngest records one pipeline result. It has the shape of
// pipeline.ResultRecorder.
func RecordIngest(res pipeline.Result) {
	cdrIngestTotal.WithLabelValues(res.Status()).Inc()
	if res.Failed() || res.Duplicate {
		return
	}
	cdrLedgerAppendsTotal.Inc()
	if res.Degraded {
		cdrDegradedTotal.Inc()
	}
}

// RecordVerification records one verification. It has the shape of
// verify.MetricsRecordFunc.
func RecordVerification(status verify.Status, cached bool) {
	cdrVerificationsTotal.WithLabelValues(string(status), strconv.FormatBool(cached)).Inc()
}

// RecordHealthCheck records a health probe result.
func RecordHealthCheck(component string, success bool) {
	cdrHealthChecksTotal.WithLabelValues(component, result(success)).Inc()
}

// RecordNotification records a webhook delivery attempt.
func RecordNotification(eventType string, success bool) {
	cdrNotificationsTotal.WithLabelValues(eventType, result(success)).Inc()
}

// RecordRotation records a source rotation or truncation.
func RecordRotation(reason string) {
	cdrSourceRotationsTotal.WithLabelValues(reason).Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
