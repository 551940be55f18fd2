package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nerrad567/dragon-core/internal/auth"
	"github.com/nerrad567/dragon-core/internal/panel"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(middleware.RequestSize(maxRequestBodySize))

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	// Bench page, embedded unless panel.dir points at a checkout.
	if s.cfg.Panel.Enabled {
		r.Handle("/panel/*", http.StripPrefix("/panel", panel.Handler(s.cfg.Panel.Dir)))
		r.Handle("/panel", http.RedirectHandler("/panel/", http.StatusMovedPermanently))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// No auth
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermDeviceRead))

				r.Get("/device/state", s.handleGetState)
				r.Get("/device/transformation", s.handleGetTransformation)
				r.Get("/transformations", s.handleListTransformations)
				r.Get("/buttons", s.handleListButtons)
				r.Get("/ports", s.handleListPorts)
				r.Get("/audit", s.handleListAudit)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermDeviceOperate))

				r.Post("/device/state/refresh", s.handleRefreshState)
				r.Post("/device/transform", s.handleTransform)
				r.Post("/device/fans/{id}", s.handleMoveFan)
			})
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	connected := s.device.IsConnected()
	status := "ok"
	if !connected {
		status = "degraded"
	}
	resp := map[string]any{
		"status":           status,
		"version":          s.version,
		"device_id":        s.deviceID,
		"device_connected": connected,
	}
	if s.mqtt != nil {
		resp["mqtt_connected"] = s.mqtt.IsConnected()
	}
	writeJSON(w, http.StatusOK, resp)
}
