package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/billpay/internal/extraction"
	"github.com/odyssey-erp/billpay/jobs"
)

// JobsCLI wraps manual management helpers for the payment queue.
type JobsCLI struct {
	client    *jobs.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers for the given redis connection.
func NewJobsCLI(opts asynq.RedisClientOpt) (*JobsCLI, error) {
	client, err := jobs.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &JobsCLI{client: client, inspector: asynq.NewInspector(opts)}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		err = errors.Join(err, c.inspector.Close())
	}
	if c.client != nil {
		err = errors.Join(err, c.client.Close())
	}
	return err
}

// TriggerCycle enqueues one payment cycle.
func (c *JobsCLI) TriggerCycle(ctx context.Context) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	return c.client.EnqueuePaymentCycle(ctx, "cli")
}

// Ingest enqueues the extraction results read from r, either one JSON object
// or an array of them.
func (c *JobsCLI) Ingest(ctx context.Context, r io.Reader) ([]*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	results, err := DecodeResults(r)
	if err != nil {
		return nil, err
	}
	infos := make([]*asynq.TaskInfo, 0, len(results))
	for i, res := range results {
		info, err := c.client.EnqueueIngest(ctx, res)
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			continue
		}
		if err != nil {
			return infos, fmt.Errorf("jobs cli: enqueue result %d: %w", i, err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// DecodeResults parses one result object or an array of results.
func DecodeResults(r io.Reader) ([]extraction.Result, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("jobs cli: read results: %w", err)
	}
	var many []extraction.Result
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, nil
	}
	var one extraction.Result
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, fmt.Errorf("jobs cli: decode results: %w", err)
	}
	return []extraction.Result{one}, nil
}

// InspectQueue reports the counters of the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (jobs.QueueStats, error) {
	if c == nil || c.inspector == nil {
		return jobs.QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	return jobs.InspectQueue(c.inspector)
}

// ListScheduled returns scheduled task infos for observability.
func (c *JobsCLI) ListScheduled(ctx context.Context, size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(jobs.QueueDefault, asynq.PageSize(size), asynq.Page(1))
}
