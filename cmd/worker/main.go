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
	"github.com/odyssey-erp/billpay/internal/observability"
	"github.com/odyssey-erp/billpay/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
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

	cycleJob := jobs.NewPaymentCycleJob(svcs.Engine, logger, svcs.JobMetrics)
	ingestJob := jobs.NewIngestJob(svcs.Consumer, logger, svcs.JobMetrics)

	cycleTask, err := jobs.NewPaymentCycleTask(jobs.PaymentCyclePayload{Source: "cron"})
	if err != nil {
		return err
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Location:    cfg.Location(),
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskPaymentCycle, Handler: cycleJob.Handle},
			{Type: jobs.TaskIngestExtraction, Handler: ingestJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ScheduleCron, Task: cycleTask},
		},
	})
	if err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("starting worker",
		slog.String("schedule", cfg.ScheduleCron),
		slog.String("timezone", cfg.Location().String()),
		slog.String("metrics_addr", cfg.WorkerMetricsAddr),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
