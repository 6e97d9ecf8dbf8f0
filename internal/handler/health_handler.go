package handler

import (
	"context"
	"net/http"
	"time"
)

// Pinger is a backing store whose reachability is reported by /health
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadinessProbe reports whether the agent has loaded its schedule
type ReadinessProbe interface {
	Ready() bool
}

// HealthHandler handles service health and readiness checks
type HealthHandler struct {
	db        Pinger
	probe     ReadinessProbe
	startTime time.Time
	version   string
}

// NewHealthHandler creates a new health handler. db is nil unless the
// control plane is MongoDB.
func NewHealthHandler(db Pinger, probe ReadinessProbe, version string) *HealthHandler {
	return &HealthHandler{
		db:        db,
		probe:     probe,
		startTime: time.Now(),
		version:   version,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Timestamp     string `json:"timestamp"`
	MongoDB       string `json:"mongodb,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Ready    bool   `json:"ready"`
	Schedule string `json:"schedule"`
	MongoDB  string `json:"mongodb,omitempty"`
}

// Health returns the service health status. The agent is healthy while it
// serves requests; the database state is informational.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		MongoDB:       h.mongoStatus(r.Context()),
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}

	writeJSON(w, http.StatusOK, response)
}

// Ready returns 200 once the schedule is loaded and the database, if any, answers
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ready := h.probe.Ready()
	schedule := "loaded"
	if !ready {
		schedule = "pending"
	}

	mongoStatus := h.mongoStatus(r.Context())
	if mongoStatus == "disconnected" {
		ready = false
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, ReadyResponse{
		Ready:    ready,
		Schedule: schedule,
		MongoDB:  mongoStatus,
	})
}

func (h *HealthHandler) mongoStatus(ctx context.Context) string {
	if h.db == nil {
		return ""
	}
	if err := h.db.Ping(ctx); err != nil {
		return "disconnected"
	}
	return "connected"
}
