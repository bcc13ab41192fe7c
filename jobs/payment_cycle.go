package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/billpay/internal/jobs"
	"github.com/odyssey-erp/billpay/internal/scheduler"
)

// PaymentCycleJob runs scheduler cycles from the queue.
type PaymentCycleJob struct {
	Runner  scheduler.Runner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewPaymentCycleJob wires the cycle handler.
func NewPaymentCycleJob(runner scheduler.Runner, logger *slog.Logger, metrics *jobmetrics.Metrics) *PaymentCycleJob {
	return &PaymentCycleJob{Runner: runner, Logger: logger, Metrics: metrics}
}

// Handle executes one cycle. Per-record failures are part of the report and
// never fail the task; an aborted cycle does, so the queue retries it.
func (j *PaymentCycleJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Runner == nil {
		return errors.New("payment cycle: handler not configured")
	}
	var payload PaymentCyclePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	tracker := j.metrics().Track(TaskPaymentCycle)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("source", payload.Source))
	report, err := j.Runner.RunCycle(ctx)
	if errors.Is(err, scheduler.ErrCycleInProgress) {
		logger.Info("payment cycle already running elsewhere")
		return nil
	}
	if err != nil {
		logger.Error("payment cycle failed", slog.Any("error", err))
		return err
	}
	logger.Info("completed payment cycle",
		slog.String("cycle_id", report.CycleID),
		slog.Int("processed", report.Processed()),
		slog.Int("failed", report.Failed()),
	)
	return nil
}

func (j *PaymentCycleJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskPaymentCycle))
	}
	return slog.Default().With(slog.String("job", TaskPaymentCycle))
}

func (j *PaymentCycleJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
