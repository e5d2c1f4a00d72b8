package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Component names reported on /health and gating /readyz.
const (
	ComponentStore     = "store"
	ComponentEngine    = "engine"
	ComponentScheduler = "scheduler"
	ComponentAPI       = "api"
)

// criticalComponents must all report healthy before the process is ready.
var criticalComponents = []string{ComponentStore, ComponentEngine}

// HealthStatus is the JSON shape served on the health endpoints.
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

type componentState struct {
	healthy bool
	message string
	updated time.Time
}

type healthRegistry struct {
	mu         sync.RWMutex
	components map[string]componentState
	startTime  time.Time
	version    string
}

var healthState = &healthRegistry{
	components: make(map[string]componentState),
	startTime:  time.Now(),
}

// SetVersion sets the version string reported on the health endpoints.
func SetVersion(version string) {
	healthState.mu.Lock()
	defer healthState.mu.Unlock()
	healthState.version = version
}

// SetComponent records the current state of one component. Components
// report themselves at startup and whenever their state changes.
func SetComponent(name string, healthy bool, message string) {
	healthState.mu.Lock()
	defer healthState.mu.Unlock()
	healthState.components[name] = componentState{
		healthy: healthy,
		message: message,
		updated: time.Now(),
	}
}

// GetHealth returns the overall process health. Any unhealthy component
// makes the whole process unhealthy.
func GetHealth() HealthStatus {
	healthState.mu.RLock()
	defer healthState.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string, len(healthState.components))
	for name, comp := range healthState.components {
		if comp.healthy {
			components[name] = "ok"
			continue
		}
		status = "unhealthy"
		components[name] = "down: " + comp.message
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    healthState.version,
		Uptime:     time.Since(healthState.startTime).String(),
	}
}

// GetReadiness reports whether the critical components (store and engine)
// have come up. Unregistered critical components count as not ready, so a
// process that has not finished booting never reports ready.
func GetReadiness() HealthStatus {
	healthState.mu.RLock()
	defer healthState.mu.RUnlock()

	status := "ready"
	message := ""
	components := make(map[string]string, len(criticalComponents))
	for _, name := range criticalComponents {
		comp, ok := healthState.components[name]
		switch {
		case !ok:
			status = "not_ready"
			message = "waiting for " + name
			components[name] = "not registered"
		case !comp.healthy:
			status = "not_ready"
			message = "waiting for " + name
			components[name] = "down: " + comp.message
		default:
			components[name] = "ok"
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    healthState.version,
		Uptime:     time.Since(healthState.startTime).String(),
	}
}

// HealthHandler serves the detailed component view; 503 when any component
// is down.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()

		w.Header().Set("Content-Type", "application/json")
		code := http.StatusOK
		if health.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(health)
	}
}

// ReadyHandler serves the readiness gate; 503 until every critical
// component is up.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()

		w.Header().Set("Content-Type", "application/json")
		code := http.StatusOK
		if readiness.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(readiness)
	}
}

// LivenessHandler answers 200 whenever the process can serve requests at
// all.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(healthState.startTime).String(),
		})
	}
}
