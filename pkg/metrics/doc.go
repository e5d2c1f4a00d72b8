/*
Package metrics provides Prometheus metrics collection and exposition for mazuadm.

The metrics package defines and registers all mazuadm metrics using the
Prometheus client library, providing observability into round progress, job
outcomes, container pool health, and API performance. Metrics are exposed via
HTTP endpoint for scraping by Prometheus servers.

# Architecture

mazuadm's metrics system combines push-style instrumentation on the hot path
with a store-backed collector for gauge values:

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │          Prometheus Registry               │           │
	│  │  - Global DefaultRegistry                  │           │
	│  │  - MustRegister at package init            │           │
	│  │  - Automatic Go runtime metrics            │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │          Instrumented Components           │           │
	│  │                                            │           │
	│  │  Scheduler: execs in flight, outcomes,     │           │
	│  │             exec duration, flags           │           │
	│  │  Pool: container spawns                    │           │
	│  │  Server: request count/duration, WS conns  │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │          Collector (15s ticker)            │           │
	│  │  - Jobs by status from the store           │           │
	│  │  - Flag and container totals               │           │
	│  │  - Active round count                      │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │          HTTP Metrics Endpoint             │           │
	│  │  - Path: /metrics                          │           │
	│  │  - Format: Prometheus text exposition      │           │
	│  │  - Handler: promhttp.Handler()             │           │
	│  └────────────────────────────────────────────┘           │
	└───────────────────────────────────────────────────────────┘

# Core Components

Metric Registry:
  - Global Prometheus DefaultRegistry
  - All metrics registered at package init
  - Thread-safe for concurrent updates

Collector:
  - Polls the store every 15 seconds
  - Refreshes gauges that mirror database state
  - Failures are silent; the next tick retries

Timer Helper:
  - Convenience wrapper for timing operations
  - Start timer, observe duration to histogram
  - Supports label values for histogram vectors

Health Checker:
  - Tracks per-component liveness (store, docker, api)
  - Serves the /health, /readyz and /livez handlers
  - Readiness requires all critical components registered healthy

# Metrics Catalog

Catalog Metrics:

mazuadm_jobs_total{status}:
  - Type: Gauge
  - Description: Total jobs by status (pending, running, flag, ...)
  - Example: mazuadm_jobs_total{status="flag"} 42

mazuadm_flags_total:
  - Type: Gauge
  - Description: Total captured flags across all rounds

mazuadm_containers_total{status}:
  - Type: Gauge
  - Description: Pooled exploit containers by status (running/dead)

mazuadm_rounds_active:
  - Type: Gauge
  - Description: Rounds currently pending or running (normally 0 or 1)

Execution Metrics:

mazuadm_execs_in_flight:
  - Type: Gauge
  - Description: Exploit executions running right now

mazuadm_jobs_executed_total{status}:
  - Type: Counter
  - Description: Finished executions by final status
  - Example: mazuadm_jobs_executed_total{status="timeout"} 7

mazuadm_flags_extracted_total:
  - Type: Counter
  - Description: Flags matched in exploit output and stored

mazuadm_exec_duration_seconds:
  - Type: Histogram
  - Description: Wall-clock duration of exploit executions
  - Buckets: Default Prometheus buckets

mazuadm_container_spawns_total:
  - Type: Counter
  - Description: Exploit containers created by the pool

API Metrics:

mazuadm_api_requests_total{method, status}:
  - Type: Counter
  - Description: API requests by HTTP method and response status

mazuadm_api_request_duration_seconds{method}:
  - Type: Histogram
  - Description: API request duration in seconds

mazuadm_ws_connections:
  - Type: Gauge
  - Description: Open WebSocket event subscribers

# Usage

Updating metrics from the scheduler:

	import "github.com/mazubot/mazuadm/pkg/metrics"

	metrics.ExecsInFlight.Inc()
	defer metrics.ExecsInFlight.Dec()

	timer := metrics.NewTimer()
	// ... run the exploit ...
	timer.ObserveDuration(metrics.ExecDuration)
	metrics.JobsExecuted.WithLabelValues(string(job.Status)).Inc()

Running the collector:

	collector := metrics.NewCollector(st)
	collector.Start()
	defer collector.Stop()

Exposing the endpoint:

	http.Handle("/metrics", metrics.Handler())

# Integration Points

This package integrates with:

  - pkg/scheduler: Records exec outcomes, durations, and flag counts
  - pkg/pool: Counts container spawns
  - pkg/server: Instruments API requests and WebSocket connections
  - pkg/store: Queried by the collector for gauge values
  - Prometheus: Scrapes /metrics endpoint

# Design Patterns

Package Init Registration:
  - All metrics registered in init() function
  - MustRegister panics on duplicate registration
  - Ensures metrics available before main()

Label Discipline:
  - Labels limited to bounded enums (job status, container status)
  - No team, challenge, or job IDs as label values
  - Per-target detail lives in the database, not the time series

Collector Pattern:
  - Gauges that mirror store state are refreshed on a ticker
  - Avoids read-modify-write races between components
  - A failed poll leaves the previous sample in place

# Monitoring

Prometheus Queries (PromQL):

Round Progress:
  - Pending backlog: mazuadm_jobs_total{status="pending"}
  - Flag rate: rate(mazuadm_flags_extracted_total[5m])
  - Timeout ratio: rate(mazuadm_jobs_executed_total{status="timeout"}[5m])

Pool Health:
  - Dead containers: mazuadm_containers_total{status="dead"}
  - Spawn churn: rate(mazuadm_container_spawns_total[10m])

API Performance:
  - Request rate: rate(mazuadm_api_requests_total[1m])
  - p95 latency: histogram_quantile(0.95, mazuadm_api_request_duration_seconds_bucket)

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
