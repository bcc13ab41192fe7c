package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/billpay/internal/extraction"
	"github.com/odyssey-erp/billpay/internal/invoice"
	"github.com/odyssey-erp/billpay/internal/observability"
	"github.com/odyssey-erp/billpay/internal/platform/httpx"
	"github.com/odyssey-erp/billpay/internal/reconcile"
	"github.com/odyssey-erp/billpay/internal/scheduler"
	"github.com/odyssey-erp/billpay/jobs"
)

// RouterParams groups dependencies for building the HTTP router. Nil
// handlers are not mounted.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics

	InvoiceHandler    *invoice.Handler
	ExtractionHandler *extraction.Handler
	CycleHandler      *scheduler.Handler
	WebhookHandler    *reconcile.Handler
	JobHandler        *jobs.Handler
}

// NewRouter constructs the chi.Router with billpay defaults.
func NewRouter(params RouterParams) http.Handler {
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
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
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	var jwtSecret string
	if params.Config != nil {
		jwtSecret = params.Config.OperatorJWTSecret
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RateLimit(60, time.Minute))
		r.Use(OperatorAuth(jwtSecret, params.Logger))
		if params.InvoiceHandler != nil {
			params.InvoiceHandler.MountRoutes(r)
		}
		if params.ExtractionHandler != nil {
			params.ExtractionHandler.MountRoutes(r)
		}
		if params.CycleHandler != nil {
			params.CycleHandler.MountRoutes(r)
		}
	})

	if params.WebhookHandler != nil {
		r.Group(func(r chi.Router) {
			r.Use(RateLimit(600, time.Minute))
			params.WebhookHandler.MountRoutes(r)
		})
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
