// Package httpapi mounts the pagesnap HTTP routes.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pagesnap/internal/httpapi/handlers"
	"pagesnap/internal/httpkit"
	"pagesnap/internal/pkg/errors"
	"pagesnap/internal/pkg/logger"
	"pagesnap/internal/pkg/middleware"
)

type Deps struct {
	Jobs           handlers.JobService
	Pool           handlers.BrowserPool
	Limiter        middleware.Limiter
	APIKeys        []string
	AllowedDomains []string
	CORSOrigins    []string
	Checks         map[string]handlers.Checker
	Log            *logger.Logger
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDiscard()
	}

	r := chi.NewRouter()

	// RealIP first so logs and rate limit identities see the client address.
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Metrics)

	if len(d.CORSOrigins) > 0 {
		r.Use(httpkit.CORS(httpkit.CORSOptions{
			AllowedOrigins: d.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			ExposedHeaders: []string{"Retry-After", "X-Request-ID"},
			MaxAgeSeconds:  600,
		}))
	}

	h := handlers.New(handlers.Deps{
		Jobs:           d.Jobs,
		Pool:           d.Pool,
		AllowedDomains: d.AllowedDomains,
		Checks:         d.Checks,
		Log:            log,
	})

	r.Get("/", h.Root)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(d.APIKeys, log))
			r.Use(middleware.RateLimit(d.Limiter, log))

			r.Post("/screenshot", middleware.WrapHandler(log, h.PostScreenshot))
			r.Get("/status/{jobId}", middleware.WrapHandler(log, h.GetStatus))
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteErrorResponse(w, errors.CodeNotFound, "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpkit.WriteErr(w, http.StatusMethodNotAllowed, string(errors.CodeBadRequest), "method not allowed", nil)
	})

	return r
}
