package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"server", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"server", "method", "path", "status"},
	)
	workflowRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowctl",
			Subsystem: "workflow",
			Name:      "runs_total",
			Help:      "Completed workflow runs reported to the status server.",
		},
		[]string{"workflow", "mode", "outcome"},
	)
	workflowRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowctl",
			Subsystem: "workflow",
			Name:      "run_duration_seconds",
			Help:      "Workflow run duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"workflow", "mode", "outcome"},
	)
	remoteLaunches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowctl",
			Subsystem: "remote",
			Name:      "launches_total",
			Help:      "Remote bootstrap launch attempts.",
		},
		[]string{"outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, workflowRuns, workflowRunDuration, remoteLaunches)
	})
}

func RecordHTTPRequest(server, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(server, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(server, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordWorkflowRun(workflow, mode, outcome string, duration time.Duration) {
	RegisterMetrics()
	workflowRuns.WithLabelValues(workflow, mode, outcome).Inc()
	workflowRunDuration.WithLabelValues(workflow, mode, outcome).Observe(duration.Seconds())
}

func RecordRemoteLaunch(success bool) {
	RegisterMetrics()
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	remoteLaunches.WithLabelValues(outcome).Inc()
}
