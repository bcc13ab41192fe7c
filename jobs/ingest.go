package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/billpay/internal/extraction"
	"github.com/odyssey-erp/billpay/internal/invoice"
	jobmetrics "github.com/odyssey-erp/billpay/internal/jobs"
)

// IngestJob feeds queued extraction results to the consumer.
type IngestJob struct {
	Consumer *extraction.Consumer
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewIngestJob wires the ingest handler.
func NewIngestJob(consumer *extraction.Consumer, logger *slog.Logger, metrics *jobmetrics.Metrics) *IngestJob {
	return &IngestJob{Consumer: consumer, Logger: logger, Metrics: metrics}
}

// Handle consumes one extraction result.
func (j *IngestJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Consumer == nil {
		return errors.New("ingest: handler not configured")
	}
	var res extraction.Result
	if err := json.Unmarshal(t.Payload(), &res); err != nil {
		return fmt.Errorf("ingest: decode payload: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskIngestExtraction)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	_, _, err := j.Consumer.Consume(ctx, res)
	if errors.Is(err, invoice.ErrValidation) {
		j.logger().Warn("rejecting extraction result", slog.Any("error", err))
		return fmt.Errorf("ingest: %v: %w", err, asynq.SkipRetry)
	}
	return err
}

func (j *IngestJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskIngestExtraction))
	}
	return slog.Default().With(slog.String("job", TaskIngestExtraction))
}

func (j *IngestJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
