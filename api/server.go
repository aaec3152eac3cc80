/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Wires URLs to handlers and assembles the middleware stack.

MIDDLEWARE STACK:
  1. RequestID:  unique id per request, echoed in error logs
  2. RealIP
  3. Logger:     access log
  4. Recoverer:  panic -> 500
  5. Metrics:    per-route counters (when configured)
  6. CORS:       browser clients (origins from config)
  7. RequireAuth / RequireAdmin on /api

ROUTE GROUPS:
  /healthz         liveness, public
  /metrics         Prometheus scrape, public (when configured)
  /api/*           bearer token required
  /api/admin/*     admin role required

SEE ALSO:
  - handlers.go: handler implementations
  - cmd/leadvault/serve.go: server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/verifiedmeasure/leadvault/auth"
)

// Instrumentation is the subset of metrics.Metrics the router needs.
type Instrumentation interface {
	Middleware(next http.Handler) http.Handler
	Handler() http.Handler
}

type RouterOptions struct {
	Verifier    *auth.Verifier
	Metrics     Instrumentation
	CORSOrigins []string
	AccessLog   bool
}

var defaultOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if opts.AccessLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = defaultOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(h.RequireAuth(opts.Verifier))

		r.Route("/leads", func(r chi.Router) {
			r.Get("/", h.Catalog)
			r.Post("/unlock", h.Unlock)
			r.Post("/download", h.Download)
		})

		r.Get("/credits/balance", h.Balance)
		r.Get("/ledger", h.Ledger)
		r.Get("/ledger/export", h.LedgerExport)
		r.Get("/entitlements", h.Grants)

		r.Route("/profile/business-rule", func(r chi.Router) {
			r.Get("/", h.GetBusinessRule)
			r.Post("/", h.SetBusinessRule)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.RequireAdmin)

			r.Post("/grant", h.Grant)
			r.Post("/upload", h.Upload)

			r.Route("/batches", func(r chi.Router) {
				r.Get("/", h.ListBatches)
				r.Post("/", h.CreateBatch)
				r.Get("/{id}", h.GetBatch)
				r.Get("/{id}/rows", h.ListRows)
				r.Post("/{id}/rows", h.InsertRow)
				r.Put("/{id}/rows/{rowID}", h.EditRow)
				r.Post("/{id}/validate", h.ValidateBatch)
				r.Post("/{id}/merge", h.MergeBatch)
				r.Post("/{id}/reject", h.RejectBatch)
			})
		})
	})

	return r
}
