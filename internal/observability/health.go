package observability

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker manages liveness and readiness state.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time

	mu       sync.Mutex
	watchers []func(ready bool)
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
	}
}

// SetReady marks the service as ready to accept traffic and notifies watchers.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)

	h.mu.Lock()
	watchers := append([]func(bool){}, h.watchers...)
	h.mu.Unlock()

	for _, fn := range watchers {
		fn(ready)
	}
}

// Watch registers fn to be called on every readiness change. fn is invoked
// once immediately with the current state.
func (h *HealthChecker) Watch(fn func(ready bool)) {
	h.mu.Lock()
	h.watchers = append(h.watchers, fn)
	h.mu.Unlock()
	fn(h.ready.Load())
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// LivenessHandler returns HTTP 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 once recovery has finished, 503 before.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.IsReady() {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ready",
		})
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "not_ready",
		})
	}
}
