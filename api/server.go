/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontends
  5. Identity:   /api only; identity headers to kpi.Actor

ROUTE GROUPS:
  /api/entities/*       Entity maintenance and values
  /api/orgs/*           Organization settings
  /api/approvals/*      Approval queue
  /api/audit            Audit trail
  /metrics              Prometheus scrape endpoint (no identity)

SECURITY NOTE:
  Identity headers are trusted as-is. The server is meant to sit behind
  an authenticating proxy that sets them.

SEE ALSO:
  - handlers.go: Handler implementations
  - identity.go: Identity middleware
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
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins ...string) *chi.Mux {
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
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderOrgID, HeaderUserID, HeaderUserRole},
		AllowCredentials: true,
	}))

	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(Identity)

		r.Route("/entities/{id}", func(r chi.Router) {
			r.Put("/", h.PutEntity)
			r.Get("/detail", h.GetDetail)
			r.Get("/values", h.ListValues)
			r.Post("/values", h.SaveValue)
			r.Post("/submit", h.SubmitValue)
			r.Post("/approve", h.ApproveValue)
			r.Post("/request-changes", h.RequestChanges)
			r.Post("/lock", h.LockValue)
		})

		r.Put("/orgs/{org}/settings", h.PutSettings)
		r.Get("/approvals/pending", h.ListPending)
		r.Get("/audit", h.ListAudit)
	})

	return r
}
