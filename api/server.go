/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the dashboard

ROUTE GROUPS:
  /api/debtors/*        Debtor reads and writes
  /api/notifications    Notification feed
  /api/admin/*          Admin operations
  /metrics              Prometheus scrape endpoint
  /healthz              Liveness + initial load

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultAllowedOrigins is used when no origins are configured.
var DefaultAllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultAllowedOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/debtors", func(r chi.Router) {
			r.Get("/", h.ListDebtors)
			r.Post("/", h.CreateDebtor)
			r.Get("/{id}", h.GetDebtor)
			r.Delete("/{id}", h.DeleteDebtor)
			r.Put("/{id}/profile", h.UpdateProfile)
			r.Post("/{id}/transactions", h.AddTransaction)
			r.Get("/{id}/reminder", h.GetReminder)
		})

		r.Get("/notifications", h.ListNotifications)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/resync", h.TriggerResync)
		})
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.Healthz)

	return r
}
