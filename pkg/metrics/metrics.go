package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Catalog metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mazuadm_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	FlagsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mazuadm_flags_total",
			Help: "Total number of captured flags",
		},
	)

	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mazuadm_containers_total",
			Help: "Total number of pooled exploit containers by status",
		},
		[]string{"status"},
	)

	RoundsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mazuadm_rounds_active",
			Help: "Number of rounds currently pending or running",
		},
	)

	// Execution metrics
	ExecsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mazuadm_execs_in_flight",
			Help: "Number of exploit executions currently running",
		},
	)

	JobsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mazuadm_jobs_executed_total",
			Help: "Total number of finished job executions by final status",
		},
		[]string{"status"},
	)

	FlagsExtracted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mazuadm_flags_extracted_total",
			Help: "Total number of flags extracted from exploit output",
		},
	)

	ExecDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mazuadm_exec_duration_seconds",
			Help:    "Exploit execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerSpawns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mazuadm_container_spawns_total",
			Help: "Total number of exploit containers spawned",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mazuadm_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mazuadm_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mazuadm_ws_connections",
			Help: "Number of open WebSocket event subscribers",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(FlagsTotal)
	prometheus.MustRegister(ContainersTotal)
	prometheus.MustRegister(RoundsActive)
	prometheus.MustRegister(ExecsInFlight)
	prometheus.MustRegister(JobsExecuted)
	prometheus.MustRegister(FlagsExtracted)
	prometheus.MustRegister(ExecDuration)
	prometheus.MustRegister(ContainerSpawns)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(WSConnections)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for histogram observations
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time into a histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time into a histogram vec
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
