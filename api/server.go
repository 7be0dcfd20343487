/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/auth/*        Login (public)
  /api/members/*     Member records, balances, earning, exchanges
  /api/privileges/*  Catalog
  /api/admin/*       Sweeps and reports
  /health            Liveness probe (public)

AUTHORIZATION:
  Everything under /api except /api/auth requires a bearer token; routes
  that mutate balances or manage the catalog additionally require the
  admin role. Per-member reads are restricted to the member themselves
  or an admin (checked in the handlers).

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: RequireAuth / RequireAdmin
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		// Public
		r.Post("/auth/login", h.Login)

		// Authenticated
		r.Group(func(r chi.Router) {
			r.Use(h.Auth.RequireAuth)

			r.Route("/members", func(r chi.Router) {
				r.With(RequireAdmin).Get("/", h.ListMembers)
				r.With(RequireAdmin).Post("/", h.CreateMember)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.GetMember)
					r.Get("/balance", h.GetBalance)
					r.Get("/history", h.GetHistory)
					r.Get("/grants", h.GetGrants)
					r.Post("/exchanges", h.Exchange)

					r.With(RequireAdmin).Get("/audit", h.GetAudit)
					r.With(RequireAdmin).Post("/earn", h.EarnPoints)
					r.With(RequireAdmin).Post("/adjust", h.AdjustPoints)
				})
			})

			r.Route("/privileges", func(r chi.Router) {
				r.Get("/", h.ListPrivileges)
				r.Get("/{id}", h.GetPrivilege)
				r.With(RequireAdmin).Post("/", h.CreatePrivilege)
				r.With(RequireAdmin).Put("/{id}", h.UpdatePrivilege)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireAdmin)
				r.Post("/sweep", h.TriggerSweep)
				r.Get("/sweep/runs", h.ListSweepRuns)
				r.Get("/expiring", h.ListExpiring)
			})
		})
	})

	return r
}
