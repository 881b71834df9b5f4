// Package router arma el handler HTTP del nodo sobre chi.
package router

import (
	"net/http"

	"github.com/dropDatabas3/nodebus/internal/http/controllers/definitions"
	"github.com/dropDatabas3/nodebus/internal/http/controllers/executions"
	"github.com/dropDatabas3/nodebus/internal/http/controllers/health"
	"github.com/dropDatabas3/nodebus/internal/http/controllers/jobs"
	httperrors "github.com/dropDatabas3/nodebus/internal/http/errors"
	mw "github.com/dropDatabas3/nodebus/internal/http/middlewares"
	"github.com/dropDatabas3/nodebus/internal/rate"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps contiene los controllers montados por el router.
type Deps struct {
	Executions *executions.Controller
	// Definitions nil = sin base de datos de definiciones.
	Definitions *definitions.Controller
	Health      *health.HealthController
	Jobs        *jobs.Controller
	// LaunchLimiter acota POST /v1/executions por cliente. nil = sin límite.
	LaunchLimiter rate.Limiter
	// Gatherer nil = prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// New devuelve el handler raíz.
func New(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(mw.WithLogging())
	r.Use(mw.WithRecover())

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httperrors.WriteError(w, httperrors.ErrRouteNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		httperrors.WriteError(w, httperrors.ErrMethodNotAllowed)
	})

	if deps.Health != nil {
		r.Get("/healthz", deps.Health.Healthz)
		r.Get("/readyz", deps.Health.Readyz)
	}

	g := deps.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		if deps.Executions != nil {
			r.With(mw.WithRateLimit(mw.RateLimitConfig{Limiter: deps.LaunchLimiter})).
				Post("/executions", deps.Executions.Launch)
			r.Get("/executions/{asyncId}", deps.Executions.Get)
			r.Post("/admin/results/clear", deps.Executions.ClearResults)
		}
		if deps.Jobs != nil {
			r.Get("/jobs/{code}", deps.Jobs.Status)
			r.With(mw.WithRateLimit(mw.RateLimitConfig{Limiter: deps.LaunchLimiter})).
				Post("/jobs/{code}", deps.Jobs.Start)
			r.Delete("/jobs/{code}", deps.Jobs.Stop)
			r.Post("/jobs/{code}/data-complete", deps.Jobs.DataComplete)
			r.Get("/jobs/{code}/completion", deps.Jobs.Completion)
		}
		if deps.Definitions != nil {
			r.Get("/definitions/{kind}/{code}", deps.Definitions.Get)
			r.Put("/definitions/{kind}/{code}", deps.Definitions.Put)
			r.Delete("/definitions/{kind}/{code}", deps.Definitions.Delete)
		}
	})
	return r
}
