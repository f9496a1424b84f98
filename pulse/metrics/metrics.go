// Package metrics holds the Prometheus instruments shared by the engine
// components. Instruments register with the default registry on import.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	/* Execution metrics */
	executionsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulseline_executions_submitted_total",
			Help: "Executions admitted, by workflow and whether the idempotency key matched an existing one",
		},
		[]string{"workflow", "deduplicated"},
	)

	executionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulseline_executions_finished_total",
			Help: "Executions reaching a terminal status",
		},
		[]string{"workflow", "status"},
	)

	executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulseline_execution_duration_seconds",
			Help:    "Wall time from claim to terminal status",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300, 1800},
		},
		[]string{"workflow"},
	)

	claimContention = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulseline_claim_lock_contention_total",
			Help: "Claims skipped because the concurrency lock was held",
		},
	)

	locksReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulseline_locks_reaped_total",
			Help: "Expired concurrency locks whose holders were failed",
		},
	)

	workersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulseline_workers_active",
			Help: "Workers currently executing a handler",
		},
	)

	/* Schedule metrics */
	scheduleFires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulseline_schedule_fires_total",
			Help: "Schedule fire attempts by outcome (submitted, missed, skipped)",
		},
		[]string{"outcome"},
	)

	/* Dead-letter metrics */
	deadLettersParked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulseline_dead_letters_parked_total",
			Help: "Executions parked for operator action",
		},
		[]string{"workflow"},
	)

	/* Alert metrics */
	alertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulseline_alerts_raised_total",
			Help: "Alerts raised, by severity and whether dedup suppressed delivery",
		},
		[]string{"severity", "suppressed"},
	)

	alertDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulseline_alert_deliveries_total",
			Help: "Alert delivery attempts by channel type and status",
		},
		[]string{"channel_type", "status"},
	)

	/* HTTP metrics */
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulseline_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulseline_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// RecordSubmitted counts an admission.
func RecordSubmitted(workflow string, deduplicated bool) {
	executionsSubmitted.WithLabelValues(workflow, boolLabel(deduplicated)).Inc()
}

// RecordFinished counts a terminal transition; duration is zero when the
// execution never ran.
func RecordFinished(workflow, status string, duration time.Duration) {
	executionsFinished.WithLabelValues(workflow, status).Inc()
	if duration > 0 {
		executionDuration.WithLabelValues(workflow).Observe(duration.Seconds())
	}
}

// RecordClaimContention counts a claim that lost the lock race.
func RecordClaimContention() {
	claimContention.Inc()
}

// RecordLocksReaped counts reaped locks.
func RecordLocksReaped(n int) {
	locksReaped.Add(float64(n))
}

// WorkerBusy adjusts the active worker gauge.
func WorkerBusy(delta int) {
	workersActive.Add(float64(delta))
}

// RecordScheduleFire counts a schedule outcome.
func RecordScheduleFire(outcome string) {
	scheduleFires.WithLabelValues(outcome).Inc()
}

// RecordDeadLetter counts a park.
func RecordDeadLetter(workflow string) {
	deadLettersParked.WithLabelValues(workflow).Inc()
}

// RecordAlert counts a raise.
func RecordAlert(severity string, suppressed bool) {
	alertsRaised.WithLabelValues(severity, boolLabel(suppressed)).Inc()
}

// RecordDelivery counts a delivery attempt outcome.
func RecordDelivery(channelType, status string) {
	alertDeliveries.WithLabelValues(channelType, status).Inc()
}

// RecordHTTPRequest records an API request.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, http.StatusText(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
