package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/billpay/internal/extraction"
	jobmetrics "github.com/odyssey-erp/billpay/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPaymentCycle runs one scheduler cycle.
	TaskPaymentCycle = "payments:cycle"
	// TaskIngestExtraction creates a record from an extraction result.
	TaskIngestExtraction = "invoices:ingest"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// PaymentCyclePayload describes a cycle request. Source is informational
// ("cron", "cli").
type PaymentCyclePayload struct {
	Source string `json:"source,omitempty"`
}

// NewPaymentCycleTask constructs a cycle task.
func NewPaymentCycleTask(payload PaymentCyclePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPaymentCycle, data, asynq.MaxRetry(2), asynq.Timeout(30*time.Minute)), nil
}

// NewIngestTask wraps an extraction result. The task id is the record id, so
// duplicate enqueues of one result collapse in the queue as well.
func NewIngestTask(res extraction.Result) (*asynq.Task, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	id := extraction.RecordID(res.SourceReference, res.RequestID).String()
	return asynq.NewTask(TaskIngestExtraction, data, asynq.TaskID(id), asynq.MaxRetry(10)), nil
}
