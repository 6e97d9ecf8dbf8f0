package handler

import (
	"net/http"

	"github.com/dandantas/lookout/pkg/middleware"
)

// Router handles HTTP routing
type Router struct {
	healthHandler  *HealthHandler
	statusHandler  *StatusHandler
	metricsHandler http.Handler
}

// NewRouter creates a new router
func NewRouter(healthHandler *HealthHandler, statusHandler *StatusHandler, metricsHandler http.Handler) *Router {
	return &Router{
		healthHandler:  healthHandler,
		statusHandler:  statusHandler,
		metricsHandler: metricsHandler,
	}
}

// Handler returns the configured HTTP handler with middleware
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	// Probe and scrape endpoints (no middleware)
	mux.HandleFunc("/health", rt.healthHandler.Health)
	mux.HandleFunc("/ready", rt.healthHandler.Ready)
	mux.Handle("/metrics", rt.metricsHandler)

	api := http.NewServeMux()
	api.HandleFunc("/api/v1/status", rt.statusHandler.Status)
	api.HandleFunc("/api/v1/recheck", rt.statusHandler.Recheck)

	handler := middleware.Recovery(api)
	handler = middleware.Logging(handler)
	handler = middleware.CorrelationID(handler)
	mux.Handle("/api/", handler)

	return mux
}
