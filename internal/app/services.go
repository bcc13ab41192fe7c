package app

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/billpay/internal/extraction"
	"github.com/odyssey-erp/billpay/internal/gateway"
	"github.com/odyssey-erp/billpay/internal/invoice"
	jobmetrics "github.com/odyssey-erp/billpay/internal/jobs"
	"github.com/odyssey-erp/billpay/internal/platform/cache"
	"github.com/odyssey-erp/billpay/internal/reconcile"
	"github.com/odyssey-erp/billpay/internal/scheduler"
	"github.com/odyssey-erp/billpay/internal/shared"
)

// Services is the component graph shared by the API server and the worker.
type Services struct {
	Repo       invoice.Repository
	Machine    *invoice.Machine
	Invoices   *invoice.Service
	Gateway    *gateway.Stripe
	Engine     *scheduler.Engine
	Verifier   *reconcile.StripeVerifier
	Reconciler *reconcile.Reconciler
	Consumer   *extraction.Consumer
	Redis      *redis.Client
	JobMetrics *jobmetrics.Metrics

	closers []func()
}

// NewServices opens the store and redis and builds every component. Redis is
// optional: without it cycles run unlocked and webhook dedup relies on the
// status guard alone.
func NewServices(ctx context.Context, cfg *Config, logger *slog.Logger, registerer prometheus.Registerer) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Services{JobMetrics: jobmetrics.NewMetrics(registerer)}

	repo, closeRepo, err := OpenRepository(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	s.Repo = repo
	s.closers = append(s.closers, closeRepo)

	client, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Warn("redis unavailable, running without cycle lock and event dedup", slog.Any("error", err))
	} else {
		s.Redis = client
		s.closers = append(s.closers, func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		})
	}
	locker := shared.NewRedisLocker(s.Redis)

	stripeCfg, err := cfg.Stripe()
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Gateway, err = gateway.NewStripe(stripeCfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Verifier, err = reconcile.NewStripeVerifier(cfg.StripeWebhookSecret)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Machine = invoice.NewMachine(repo, nil)
	s.Invoices = invoice.NewService(repo, s.Machine, logger)
	s.Engine = scheduler.NewEngine(repo, s.Machine, s.Gateway, cfg.Scheduler(), logger,
		scheduler.WithLocker(locker),
		scheduler.WithMetrics(s.JobMetrics),
	)
	s.Reconciler = reconcile.NewReconciler(repo, s.Machine, logger,
		reconcile.WithEventDedup(locker, cfg.WebhookDedupTTL),
		reconcile.WithMetrics(s.JobMetrics),
	)
	s.Consumer = extraction.NewConsumer(s.Invoices, logger)

	logger.Info("services ready",
		slog.String("store", cfg.StoreDriver),
		slog.String("payment_mode", string(s.Gateway.Mode())),
		slog.Int("window_days", cfg.PaymentWindowDays),
		slog.String("timezone", cfg.PaymentTimezone),
	)
	return s, nil
}

// Close releases connections in reverse order of opening.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
