package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/michaelodikeme/coop-nest-sub006/internal/metrics"
	"github.com/rs/zerolog"
)

// RouterOptions carries the cross-cutting settings of the HTTP surface.
type RouterOptions struct {
	AllowedOrigins []string
	Auth           func(http.Handler) http.Handler
	Logger         zerolog.Logger
}

// NewRouter creates a new chi router and registers the request routes.
func NewRouter(h *Handlers, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Envelope{Status: statusSuccess, Data: map[string]string{"service": "request-service"}, Message: "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/requests", func(r chi.Router) {
		if opts.Auth != nil {
			r.Use(opts.Auth)
		}

		r.Post("/", h.CreateRequestHandler)
		r.Get("/", h.ListRequestsHandler)
		r.Get("/user", h.ListUserRequestsHandler)
		r.Get("/pending", h.PendingApprovalsHandler)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetRequestHandler)
			r.Put("/", h.UpdateRequestHandler)
			r.Delete("/", h.DeleteRequestHandler)
			r.Get("/actions", h.AllowedActionsHandler)
			r.Get("/history", h.HistoryHandler)
		})
	})

	return r
}
