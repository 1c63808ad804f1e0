package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/pulse-engine/api/controllers"
	"github.com/angelmondragon/pulse-engine/api/middleware"
	"github.com/angelmondragon/pulse-engine/internal/catalog"
	"github.com/angelmondragon/pulse-engine/internal/query"
	"github.com/angelmondragon/pulse-engine/pkg/config"
	"github.com/angelmondragon/pulse-engine/pkg/logger"
)

// Dependencies carries everything the router mounts. RateLimiter and
// Idempotency may be nil, which disables those guards.
type Dependencies struct {
	Config      *config.Config
	Logger      *logger.Logger
	Query       query.Service
	Runs        controllers.RunCoordinator
	Catalog     *catalog.Catalog
	RateLimiter middleware.RateLimiterStore
	Idempotency middleware.IdempotencyStore
	Metrics     http.Handler
	Ready       []controllers.Dependency
}

func NewRouter(deps Dependencies) http.Handler {
	cfg := deps.Config
	logg := deps.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.HTTP.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps.Ready...))
	})

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	submitPolicy := middleware.NewRateLimitPolicy("runs", cfg.RateLimit.RunsWindow, cfg.RateLimit.RunsLimit)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/catalog", controllers.CatalogDefinitions(deps.Catalog))
		r.Get("/segments", controllers.ListSegments(deps.Query, logg))
		r.Get("/funnels/{funnelID}", controllers.GetFunnel(deps.Query, logg))
		r.Get("/retention", controllers.ListRetention(deps.Query, logg))
		r.Get("/churn", controllers.ListChurnRisk(deps.Query, logg))

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", controllers.ListRuns(deps.Runs, logg))
			r.With(
				middleware.RateLimit(submitPolicy, deps.RateLimiter, logg),
				middleware.Idempotency(deps.Idempotency, cfg.Eventing.IdempotencyTTL, logg),
			).Post("/", controllers.SubmitRun(deps.Runs, logg))
			r.Get("/{runID}", controllers.GetRun(deps.Runs, logg))
			r.Delete("/{runID}", controllers.CancelRun(deps.Runs, logg))
		})
	})

	return r
}
