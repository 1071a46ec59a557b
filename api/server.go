/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for terminals and dashboards

ROUTE GROUPS:
  /api/programs/*       Program lifecycle and enrollments
  /api/scans/*          Credential redemption
  /api/residents        Resident registry
  /api/beneficiaries    Beneficiary registry
  /api/history          Distribution reports
  /api/events/ws        Websocket event stream
  /api/scenarios/*      Demo scenarios

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
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

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Program routes
		r.Route("/programs", func(r chi.Router) {
			r.Get("/", h.ListPrograms)
			r.Post("/", h.CreateProgram)
			r.Get("/{id}", h.GetProgram)
			r.Post("/{id}/status", h.AdvanceStatus)
			r.Get("/{id}/capacity", h.GetCapacity)
			r.Get("/{id}/enrollments", h.ListEnrollments)
			r.Post("/{id}/enrollments", h.ToggleEnrollments)
		})

		// Scan routes
		r.Route("/scans", func(r chi.Router) {
			r.Post("/", h.Scan)
			r.Get("/{credential}/preview", h.PreviewScan)
		})

		// Registry routes
		r.Route("/residents", func(r chi.Router) {
			r.Get("/", h.ListResidents)
			r.Post("/", h.CreateResident)
		})
		r.Route("/beneficiaries", func(r chi.Router) {
			r.Get("/", h.ListBeneficiaries)
			r.Post("/", h.CreateBeneficiary)
		})

		// Reporting routes
		r.Get("/history", h.GetHistory)

		// Event stream
		r.Get("/events/ws", h.ServeEvents)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
