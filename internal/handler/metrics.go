package handler

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ChainLedger/internal/ledger"
	"github.com/jmerrifield20/ChainLedger/internal/service"
	"github.com/jmerrifield20/ChainLedger/internal/verifier"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ledgerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	ledgerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	ledgerAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_appends_total",
		Help: "Total append attempts by result.",
	}, []string{"result"})

	ledgerAppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_append_duration_seconds",
		Help:    "Time from lock request to commit for appends.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	ledgerVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_verifications_total",
		Help: "Total chain verifications by outcome.",
	}, []string{"outcome"})

	ledgerEntriesVerified = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_entries_verified_total",
		Help: "Total entries re-hashed by verification passes.",
	})

	ledgerChainBreaksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_chain_breaks_total",
		Help: "Total integrity breaks detected by reason.",
	}, []string{"reason"})

	ledgerSnapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_snapshots_total",
		Help: "Total snapshot attempts by result.",
	}, []string{"result"})

	ledgerWebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_webhook_deliveries_total",
		Help: "Total webhook deliveries by success status.",
	}, []string{"status"})

	ledgerHealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_health_checks_total",
		Help: "Total dependency health probes by component and result.",
	}, []string{"component", "result"})
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
			path = "unmatched"
		}

		ledgerRequestsTotal.WithLabelValues(method, path, status).Inc()
		ledgerRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// MetricsHooks returns service hooks that feed the ledger metrics.
func MetricsHooks() service.Hooks {
	return service.Hooks{
		OnAppend:   RecordAppend,
		OnVerify:   RecordVerification,
		OnSnapshot: RecordSnapshot,
		OnBreak: func(res *verifier.Result) {
			ledgerChainBreaksTotal.WithLabelValues(string(res.Reason)).Inc()
		},
	}
}

// RecordAppend records one append attempt.
func RecordAppend(_ string, d time.Duration, err error) {
	ledgerAppendsTotal.WithLabelValues(appendResult(err)).Inc()
	if err == nil {
		ledgerAppendDuration.Observe(d.Seconds())
	}
}

func appendResult(err error) string {
	var verr *ledger.ValidationError
	switch {
	case err == nil:
		return "ok"
	case ledger.IsRetryable(err):
		return "contention"
	case errors.As(err, &verr):
		return "invalid"
	default:
		return "error"
	}
}

// RecordVerification records a completed verification.
func RecordVerification(res *verifier.Result) {
	outcome := "valid"
	if !res.Valid {
		outcome = "broken"
	}
	ledgerVerificationsTotal.WithLabelValues(outcome).Inc()
	ledgerEntriesVerified.Add(float64(res.EntriesVerified))
}

// RecordSnapshot records a snapshot attempt.
func RecordSnapshot(_ string, err error) {
	switch {
	case err == nil:
		ledgerSnapshotsTotal.WithLabelValues("ok").Inc()
	case ledger.IsRetryable(err):
		ledgerSnapshotsTotal.WithLabelValues("contention").Inc()
	default:
		ledgerSnapshotsTotal.WithLabelValues("error").Inc()
	}
}

// RecordWebhookDelivery records a webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	if success {
		ledgerWebhookDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		ledgerWebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}

// RecordHealthCheck records a dependency health probe.
func RecordHealthCheck(component string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	ledgerHealthChecksTotal.WithLabelValues(component, result).Inc()
}
