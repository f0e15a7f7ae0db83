package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)

	// Hardware command endpoints
	r.Route("/hardware", func(r chi.Router) {
		r.Post("/send", s.handleHardwareSend)
		r.Post("/virtual-write", s.handleVirtualWrite)
		r.Post("/digital-write", s.handleDigitalWrite)
		r.Post("/read", s.handleHardwareRead)
	})

	// Control-plane activity trail
	r.Get("/audit", s.handleAuditList)

	// Observer channel
	r.Get("/ws", s.handleWebSocket)

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

// handleStatus reports runtime counters for operators.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"version":         s.version,
		"devices_cached":  s.cache.DeviceCount(),
		"sessions_live":   s.sessions.Count(),
		"batches_pending": s.cache.PendingBatchCount(),
		"ws_clients":      s.Hub().ClientCount(),
	}
	if s.gateway != nil {
		status["connections_open"] = s.gateway.ConnectionCount()
		status["connections_total"] = s.gateway.AcceptedTotal()
	}
	writeJSON(w, http.StatusOK, status)
}
