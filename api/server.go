/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus request counters and latencies
  5. CORS:       Cross-origin requests for the storefront

ROUTE GROUPS:
  /api/*          Session token required (Authorization: Bearer, or
                  ?token= for the websocket)
  /api/admin/*    X-Admin-Token required
  /healthz        Store reachability
  /metrics        Prometheus

RATE LIMITING:
  POST /api/checkout is limited per session user (CheckoutPerMinute).

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/coinshop/metrics"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Admin-Token"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Post("/users", h.CreateUser)
			r.Post("/users/{id}/credit", h.CreditUser)
			r.Get("/discounts", h.ListDiscounts)
			r.Post("/discounts", h.CreateDiscount)
			r.Post("/discounts/{code}/deactivate", h.DeactivateDiscount)
			r.Post("/reconcile", h.Reconcile)
			r.Post("/tokens", h.IssueToken)
		})

		// Storefront routes
		r.Group(func(r chi.Router) {
			r.Use(h.Issuer.Middleware(h.writeError))

			checkout := http.HandlerFunc(h.Checkout)
			if h.limiter != nil {
				r.Method(http.MethodPost, "/checkout", h.limiter.Handler(checkout))
			} else {
				r.Post("/checkout", checkout)
			}
			r.Post("/discounts/validate", h.ValidateDiscount)

			r.Route("/me", func(r chi.Router) {
				r.Get("/balance", h.GetBalance)
				r.Get("/rank", h.GetRank)
				r.Get("/orders", h.ListOrders)
			})

			r.Route("/orders", func(r chi.Router) {
				r.Get("/{id}", h.GetOrder)
				r.Post("/{id}/cancel", h.CancelOrder)
			})

			r.Get("/events/ws", h.Events)
		})
	})

	return r
}
