package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/barline-hq/barline/internal/apikeys"
	"github.com/barline-hq/barline/internal/classify"
	"github.com/barline-hq/barline/internal/observability"
	"github.com/barline-hq/barline/internal/receipts"
	"github.com/barline-hq/barline/internal/reminders"
	"github.com/barline-hq/barline/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	ReceiptsHandler  *receipts.Handler
	ClassifyHandler  *classify.Handler
	RemindersHandler *reminders.Handler
	APIKeysHandler   *apikeys.Handler
	APIKeys          *apikeys.Service
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with Barline defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	// Cron triggers authenticate with the shared secret, not an API key.
	if params.RemindersHandler != nil {
		r.Route("/cron", params.RemindersHandler.MountRoutes)
	}

	r.Group(func(r chi.Router) {
		if params.APIKeys != nil {
			r.Use(params.APIKeys.Middleware)
		}
		r.Route("/receipts", params.ReceiptsHandler.MountRoutes)
		r.Route("/classify", params.ClassifyHandler.MountRoutes)
		if params.APIKeysHandler != nil {
			r.Route("/keys", params.APIKeysHandler.MountRoutes)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	return r
}
