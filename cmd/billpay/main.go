package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/billpay/internal/app"
	"github.com/odyssey-erp/billpay/internal/extraction"
	"github.com/odyssey-erp/billpay/internal/invoice"
	"github.com/odyssey-erp/billpay/internal/observability"
	"github.com/odyssey-erp/billpay/internal/reconcile"
	"github.com/odyssey-erp/billpay/internal/scheduler"
	"github.com/odyssey-erp/billpay/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("billpay exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics()

	svcs, err := app.NewServices(ctx, cfg, logger, metrics.Registerer())
	if err != nil {
		return err
	}
	defer svcs.Close()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("close inspector", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		Metrics:           metrics,
		InvoiceHandler:    invoice.NewHandler(svcs.Invoices, svcs.Gateway, logger),
		ExtractionHandler: extraction.NewHandler(svcs.Consumer, logger),
		CycleHandler:      scheduler.NewHandler(svcs.Engine, logger),
		WebhookHandler:    reconcile.NewHandler(svcs.Verifier, svcs.Reconciler, logger),
		JobHandler:        jobs.NewHandler(inspector, logger),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
