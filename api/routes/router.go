package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/mediasearch-backend/api/controllers"
	"github.com/angelmondragon/mediasearch-backend/api/middleware"
	"github.com/angelmondragon/mediasearch-backend/internal/uploads"
	"github.com/angelmondragon/mediasearch-backend/pkg/config"
	"github.com/angelmondragon/mediasearch-backend/pkg/logger"
)

// RedisClient is the slice of the redis client the HTTP layer needs.
type RedisClient interface {
	Ping(ctx context.Context) error
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
}

// Params wires the HTTP surface.
type Params struct {
	Config    *config.Config
	Logger    *logger.Logger
	DB        controllers.Pinger
	Redis     RedisClient
	Uploads   uploads.Service
	WebSocket http.Handler
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

func NewRouter(p Params) http.Handler {
	cfg := p.Config
	logg := p.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(p.Config.App.CORSOrigins),
	)

	bulkPolicy := middleware.NewRateLimitPolicy(
		"bulk_upload",
		cfg.RateLimit.BulkUploadWindow,
		cfg.RateLimit.BulkUploadLimit,
	)
	statusPolicy := middleware.NewRateLimitPolicy(
		"batch_status",
		cfg.RateLimit.BatchStatusWindow,
		cfg.RateLimit.BatchStatusLimit,
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, p.DB, p.Redis, logg))
	})

	if p.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", p.Metrics)
	}

	// Authentication happens in-band on the socket.
	if p.WebSocket != nil {
		r.Method(http.MethodGet, "/ws/uploads", p.WebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))

		r.Route("/uploads", func(r chi.Router) {
			r.With(middleware.RateLimit(bulkPolicy, p.Redis, logg)).
				Post("/bulk", controllers.BulkUpload(p.Uploads, cfg.Batch.MaxTotalBytes, logg))

			r.Route("/batches", func(r chi.Router) {
				r.Use(middleware.RateLimit(statusPolicy, p.Redis, logg))
				r.Get("/", controllers.ListBatches(p.Uploads, cfg.Batch, logg))
				r.Get("/{batchId}", controllers.GetBatch(p.Uploads, logg))
				r.Post("/{batchId}/cancel", controllers.CancelBatch(p.Uploads, logg))
			})

			r.Get("/{uploadId}", controllers.GetUpload(p.Uploads, logg))
			r.Post("/{uploadId}/regenerate", controllers.RegenerateDescription(p.Uploads, logg))
		})
	})

	return r
}
