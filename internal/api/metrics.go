package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	lpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lp_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	lpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lp_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	lpVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lp_verifications_total",
		Help: "Total verifications by result (verified, unverified, mismatch, error).",
	}, []string{"result"})

	lpMismatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lp_metadata_mismatches_total",
		Help: "Total metadata mismatches by field.",
	}, []string{"field"})

	lpRevisionsAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lp_revisions_appended_total",
		Help: "Total revisions appended by ledger.",
	}, []string{"ledger"})

	lpIntegrityChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lp_integrity_checks_total",
		Help: "Total background integrity audits by ledger and result.",
	}, []string{"ledger", "result"})

	lpWebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lp_webhook_deliveries_total",
		Help: "Total webhook delivery attempts by result.",
	}, []string{"result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		lpRequestsTotal.WithLabelValues(method, path, status).Inc()
		lpRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordVerification records the outcome of one verification.
func RecordVerification(verified bool, err error, field string) {
	switch {
	case field != "":
		lpVerificationsTotal.WithLabelValues("mismatch").Inc()
		lpMismatchesTotal.WithLabelValues(field).Inc()
	case err != nil:
		lpVerificationsTotal.WithLabelValues("error").Inc()
	case verified:
		lpVerificationsTotal.WithLabelValues("verified").Inc()
	default:
		lpVerificationsTotal.WithLabelValues("unverified").Inc()
	}
}

// RecordAppend records a revision appended to ledger.
func RecordAppend(ledger string) {
	lpRevisionsAppendedTotal.WithLabelValues(ledger).Inc()
}

// RecordWebhookDelivery records one webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	lpWebhookDeliveriesTotal.WithLabelValues(result).Inc()
}

// RecordIntegrityCheck records one background integrity audit of ledger.
func RecordIntegrityCheck(ledger string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	lpIntegrityChecksTotal.WithLabelValues(ledger, result).Inc()
}
