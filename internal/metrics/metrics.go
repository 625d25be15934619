package metrics

import (
	"regexp"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RequestDuration tracks HTTP request duration in seconds by method, path, status.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// RequestTotal counts HTTP requests by method, path, status.
	RequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// JobRunsTotal counts batch job executions by job and outcome (completed, failed, skipped).
	JobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hours_job_runs_total",
			Help: "Total number of batch job executions by job and outcome",
		},
		[]string{"job", "outcome"},
	)

	// JobDuration tracks batch job duration in seconds.
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hours_job_duration_seconds",
			Help:    "Batch job duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"job"},
	)

	// ConflictsTotal counts conflict writes by the reconciliation engine (inserted, updated).
	ConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hours_conflicts_total",
			Help: "Conflict alerts written by reconciliation by outcome",
		},
		[]string{"outcome"},
	)

	// EscalationsTotal counts conflicts moved to escalated.
	EscalationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hours_escalations_total",
			Help: "Conflict alerts escalated",
		},
	)

	// AccessDeniedTotal counts authorization denials by resource kind and rule.
	AccessDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hours_access_denied_total",
			Help: "Authorization denials by resource kind and rule",
		},
		[]string{"kind", "rule"},
	)

	// NotificationsTotal counts notifications by outcome (sent, dropped, failed).
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hours_notifications_total",
			Help: "Escalation notifications by outcome",
		},
		[]string{"outcome"},
	)
)

var (
	numericPathSegment = regexp.MustCompile(`/[0-9]+(/|$)`)
	initOnce           sync.Once
)

func init() {
	initOnce.Do(func() {
		prometheus.MustRegister(RequestDuration, RequestTotal, JobRunsTotal, JobDuration,
			ConflictsTotal, EscalationsTotal, AccessDeniedTotal, NotificationsTotal)
	})
}

// NormalizePath reduces cardinality by replacing numeric path segments with {id}.
// E.g. /v1/conflicts/123/resolve -> /v1/conflicts/{id}/resolve.
func NormalizePath(path string) string {
	// Adjacent numeric segments share a slash, so one pass can miss the second.
	for {
		next := numericPathSegment.ReplaceAllString(path, "/{id}$1")
		if next == path {
			return path
		}
		path = next
	}
}

// RecordRequest records duration and count for an HTTP request.
func RecordRequest(method, path string, statusCode int, durationSeconds float64) {
	path = NormalizePath(path)
	status := strconv.Itoa(statusCode)
	RequestDuration.WithLabelValues(method, path, status).Observe(durationSeconds)
	RequestTotal.WithLabelValues(method, path, status).Inc()
}

// RecordJob records one job execution.
func RecordJob(job, outcome string, durationSeconds float64) {
	JobRunsTotal.WithLabelValues(job, outcome).Inc()
	if durationSeconds > 0 {
		JobDuration.WithLabelValues(job).Observe(durationSeconds)
	}
}

func IncConflicts(outcome string) {
	ConflictsTotal.WithLabelValues(outcome).Inc()
}

func IncEscalations() {
	EscalationsTotal.Inc()
}

func IncAccessDenied(kind, rule string) {
	AccessDeniedTotal.WithLabelValues(kind, rule).Inc()
}

func IncNotifications(outcome string) {
	NotificationsTotal.WithLabelValues(outcome).Inc()
}
