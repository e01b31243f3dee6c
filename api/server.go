/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zerolog request logger tagged with the request id
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus request count and latency (when enabled)
  5. CORS:       Cross-origin requests for frontend
  6. Authenticate / RequireRole on protected groups

ROUTE GROUPS:
  /api/auth/*           Public: register, login
  /api/seats/*          Any authenticated caller
  /api/bookings/*       Employees
  /api/users/*          Any authenticated caller (updates are self only)
  /api/managers/*       Managers, own ledger only
  /api/employees/*      The employee or their sponsor
  /api/admin/*          Managers
  /api/scenarios/*      Demo data (only when enabled)
  /healthz /readyz      Probes
  /metrics              Prometheus (when enabled)

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Authentication
  - cmd/server/main.go: Server startup
*/
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/blureserve/seat-engine/logging"
	"github.com/blureserve/seat-engine/metrics"
	"github.com/blureserve/seat-engine/reserve"
)

// RouterOptions are the deployment-dependent parts of the router.
type RouterOptions struct {
	CORSOrigins     []string
	EnableScenarios bool
	// Metrics is nil when Prometheus is disabled.
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
	// RequestTimeout bounds every API request. Zero means no limit.
	RequestTimeout time.Duration
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(logging.RequestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	if opts.Metrics != nil {
		r.Method("GET", "/metrics", opts.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		if opts.RequestTimeout > 0 {
			r.Use(middleware.Timeout(opts.RequestTimeout))
		}

		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
		})

		if opts.EnableScenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenario)
			})
		}

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(h.Identity))

			r.Route("/seats", func(r chi.Router) {
				r.Get("/", h.ListSeats)
				r.Get("/{id}", h.GetSeat)
			})

			r.Route("/bookings", func(r chi.Router) {
				r.Use(RequireRole(reserve.KindEmployee))
				r.Get("/", h.ListBookings)
				r.Post("/", h.Book)
				r.Put("/{id}/cancel", h.CancelBooking)
			})

			r.Route("/users", func(r chi.Router) {
				r.Get("/", h.ListUsers)
				r.Get("/search", h.SearchUsers)
				r.Get("/{id}", h.GetUser)
				r.Put("/{id}", h.UpdateUser)
			})

			r.Route("/managers/{id}", func(r chi.Router) {
				r.Get("/balance", h.GetBalance)
				r.Get("/transactions", h.GetTransactions)
			})

			r.Get("/employees/{id}/usage", h.GetUsage)

			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireRole(reserve.KindManager))
				r.Get("/reconciliation", h.Reconcile)
			})
		})
	})

	return r
}
