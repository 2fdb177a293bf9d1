package hello

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthCheck serves liveness and readiness probes
type HealthCheck struct {
	isReady atomic.Bool
	started time.Time
}

// NewHealthCheck creates a HealthCheck that starts out not ready
func NewHealthCheck() *HealthCheck {
	return &HealthCheck{started: time.Now()}
}

// HealthHandler reports the process is alive
func (h *HealthCheck) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

// ReadyHandler reports whether the listener is accepting traffic
func (h *HealthCheck) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if !h.isReady.Load() {
		writeStatus(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "not ready"})
		return
	}
	writeStatus(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}

// SetReady marks the service as ready to receive traffic
func (h *HealthCheck) SetReady(ready bool) {
	h.isReady.Store(ready)
}

func writeStatus(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
