// Package scheduler selects eligible invoices and drives one payment attempt
// per record per cycle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"github.com/odyssey-erp/billpay/internal/gateway"
	"github.com/odyssey-erp/billpay/internal/invoice"
	jobmetrics "github.com/odyssey-erp/billpay/internal/jobs"
	"github.com/odyssey-erp/billpay/internal/platform/httpx"
	"github.com/odyssey-erp/billpay/internal/shared"
)

const (
	PassUrgent = "urgent"
	PassBatch  = "batch"

	OutcomeInitiated = "initiated"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"

	defaultWindowDays     = 7
	defaultGatewayTimeout = 20 * time.Second
	defaultLockTTL        = 10 * time.Minute
)

var (
	// ErrCycleAborted is returned when neither selection query could run.
	ErrCycleAborted = errors.New("scheduler: cycle aborted")
	// ErrCycleInProgress is returned when another cycle holds the cycle lock.
	ErrCycleInProgress = fmt.Errorf("scheduler: cycle already in progress: %w", httpx.ErrConflict)
)

// Config tunes record selection and gateway calls.
type Config struct {
	// WindowDays is the batch horizon. Negative values are treated as zero.
	WindowDays     int
	Location       *time.Location
	GatewayTimeout time.Duration
	LockTTL        time.Duration
}

// DefaultConfig returns the stock scheduler settings.
func DefaultConfig() Config {
	return Config{
		WindowDays:     defaultWindowDays,
		Location:       time.UTC,
		GatewayTimeout: defaultGatewayTimeout,
		LockTTL:        defaultLockTTL,
	}
}

// Engine runs payment cycles.
type Engine struct {
	repo    invoice.Repository
	machine *invoice.Machine
	gateway gateway.Gateway
	cfg     Config
	logger  *slog.Logger
	locker  shared.Locker
	metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithLocker serialises cycles across processes.
func WithLocker(l shared.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithMetrics records per-attempt counters.
func WithMetrics(m *jobmetrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the wall clock used for the "today" snapshot.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine constructs an Engine. A nil machine is built over repo.
func NewEngine(repo invoice.Repository, machine *invoice.Machine, gw gateway.Gateway, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.WindowDays < 0 {
		cfg.WindowDays = 0
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = defaultGatewayTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		repo:    repo,
		gateway: gw,
		cfg:     cfg,
		logger:  logger,
		clock:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if machine == nil {
		machine = invoice.NewMachine(repo, e.clock)
	}
	e.machine = machine
	return e
}

// Failure is one record that ended the cycle without a payment reference.
type Failure struct {
	InvoiceID string `json:"invoice_id"`
	Reason    string `json:"reason"`
}

// PassReport aggregates the outcome of one selection pass.
type PassReport struct {
	Pass       string    `json:"pass"`
	Selected   int       `json:"selected"`
	Processed  int       `json:"processed"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Failures   []Failure `json:"failures,omitempty"`
	QueryError string    `json:"query_error,omitempty"`
}

// CycleReport summarises one cycle.
type CycleReport struct {
	CycleID    string     `json:"cycle_id"`
	Today      civil.Date `json:"today"`
	WindowEnd  civil.Date `json:"window_end"`
	Urgent     PassReport `json:"urgent"`
	Batch      PassReport `json:"batch"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
}

// Processed is the number of records attempted across both passes.
func (r CycleReport) Processed() int { return r.Urgent.Processed + r.Batch.Processed }

// Failed is the number of failed records across both passes.
func (r CycleReport) Failed() int { return r.Urgent.Failed + r.Batch.Failed }

// RunCycle snapshots today once, selects the urgent and batch sets and makes
// one payment attempt per selected record. Per-record failures are reported
// in the returned report; an error is returned only when the cycle could not
// run at all or was interrupted.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	started := e.clock()
	today := civil.DateOf(started.In(e.cfg.Location))
	report := CycleReport{
		CycleID:   uuid.NewString(),
		Today:     today,
		WindowEnd: today.AddDays(e.cfg.WindowDays),
		Urgent:    PassReport{Pass: PassUrgent},
		Batch:     PassReport{Pass: PassBatch},
		StartedAt: started,
	}
	logger := e.logger.With(
		slog.String("cycle_id", report.CycleID),
		slog.String("today", today.String()),
		slog.Int("window_days", e.cfg.WindowDays),
	)

	if e.locker != nil {
		release, err := e.locker.Acquire(ctx, shared.CycleLockKey, e.cfg.LockTTL)
		switch {
		case errors.Is(err, shared.ErrLockHeld):
			logger.Info("cycle skipped, lock held")
			report.FinishedAt = e.clock()
			return report, ErrCycleInProgress
		case err != nil:
			logger.Warn("acquire cycle lock", slog.Any("error", err))
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					logger.Warn("release cycle lock", slog.Any("error", err))
				}
			}()
		}
	}

	urgent, urgentErr := e.repo.ListByStatusAndDueDate(ctx, invoice.StatusReceived, today)
	batch, batchErr := e.repo.ListByStatusAndDueRange(ctx, invoice.StatusReceived, today, report.WindowEnd)
	if urgentErr != nil && batchErr != nil {
		err := fmt.Errorf("%w: %w", ErrCycleAborted, errors.Join(
			invoice.WrapStore("urgent query", urgentErr),
			invoice.WrapStore("batch query", batchErr),
		))
		report.FinishedAt = e.clock()
		logger.Error("cycle aborted", slog.Any("error", err))
		return report, err
	}
	if urgentErr != nil {
		report.Urgent.QueryError = invoice.WrapStore("urgent query", urgentErr).Error()
		logger.Error("urgent query failed", slog.Any("error", urgentErr))
	}
	if batchErr != nil {
		report.Batch.QueryError = invoice.WrapStore("batch query", batchErr).Error()
		logger.Error("batch query failed", slog.Any("error", batchErr))
	}

	seen := make(map[uuid.UUID]struct{}, len(urgent)+len(batch))
	urgent = selectUnseen(urgent, seen, func(invoice.Record) bool { return true })
	// Records due today belong to the urgent pass even if its query failed.
	batch = selectUnseen(batch, seen, func(rec invoice.Record) bool { return !rec.DueOn(today) })

	logger.Info("cycle started", slog.Int("urgent", len(urgent)), slog.Int("batch", len(batch)))

	var runErr error
	if err := e.runPass(ctx, logger, &report.Urgent, urgent); err != nil {
		runErr = err
	} else if err := e.runPass(ctx, logger, &report.Batch, batch); err != nil {
		runErr = err
	}

	report.FinishedAt = e.clock()
	logger.Info("cycle finished",
		slog.Int("processed", report.Processed()),
		slog.Int("failed", report.Failed()),
		slog.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, runErr
}

func selectUnseen(records []invoice.Record, seen map[uuid.UUID]struct{}, keep func(invoice.Record) bool) []invoice.Record {
	out := make([]invoice.Record, 0, len(records))
	for _, rec := range records {
		if !keep(rec) {
			continue
		}
		if _, dup := seen[rec.ID]; dup {
			continue
		}
		seen[rec.ID] = struct{}{}
		out = append(out, rec)
	}
	return out
}

func (e *Engine) runPass(ctx context.Context, logger *slog.Logger, pass *PassReport, records []invoice.Record) error {
	pass.Selected = len(records)
	logger = logger.With(slog.String("pass", pass.Pass))
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			logger.Warn("cycle interrupted", slog.Int("remaining", pass.Selected-pass.Processed))
			return fmt.Errorf("scheduler: %s pass interrupted: %w", pass.Pass, err)
		}
		outcome, reason := e.attempt(ctx, logger.With(slog.String("invoice_id", rec.ID.String())), rec)
		pass.Processed++
		switch outcome {
		case OutcomeInitiated:
			pass.Succeeded++
		case OutcomeFailed:
			pass.Failed++
			pass.Failures = append(pass.Failures, Failure{InvoiceID: rec.ID.String(), Reason: reason})
		default:
			pass.Skipped++
		}
		e.metrics.AddPaymentAttempt(pass.Pass, outcome)
	}
	return nil
}

// attempt drives a single record through one payment attempt and reports the
// outcome. It never returns an error: every failure is folded into the outcome.
func (e *Engine) attempt(ctx context.Context, logger *slog.Logger, rec invoice.Record) (outcome, reason string) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("payment attempt panicked", slog.Any("panic", p))
			outcome, reason = OutcomeFailed, fmt.Sprintf("internal error: %v", p)
		}
	}()

	if rec.Status != invoice.StatusReceived {
		logger.Info("record no longer eligible", slog.String("status", rec.Status.String()))
		return OutcomeSkipped, ""
	}

	// A reference on a RECEIVED record means an earlier attempt reached the
	// processor but the status write was lost.
	if rec.PaymentReference != "" {
		logger.Info("payment reference already assigned, skipping gateway", slog.String("payment_reference", rec.PaymentReference))
		return e.markInitiated(ctx, logger, rec, rec.PaymentReference)
	}

	req, err := paymentRequest(rec)
	if err != nil {
		logger.Warn("record failed validation", slog.Any("error", err))
		return e.markFailed(ctx, logger, rec, err.Error())
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.GatewayTimeout)
	payment, err := e.gateway.CreatePayment(callCtx, req)
	cancel()
	if err != nil {
		gwErr := gateway.AsError(err)
		logger.Warn("gateway rejected payment",
			slog.String("reason", gwErr.Reason),
			slog.Bool("timeout", gwErr.Timeout),
			slog.Bool("unresolved", gwErr.Unresolved()),
		)
		return e.markFailedUnresolved(ctx, logger, rec, gwErr.Reason, gwErr.Unresolved())
	}
	if payment.Reference == "" {
		return e.markFailed(ctx, logger, rec, "gateway returned no payment reference")
	}
	return e.markInitiated(ctx, logger, rec, payment.Reference)
}

func (e *Engine) markInitiated(ctx context.Context, logger *slog.Logger, rec invoice.Record, reference string) (string, string) {
	_, err := e.machine.Transition(ctx, rec, invoice.StatusPaymentInitiated, invoice.Fields{PaymentReference: reference})
	switch {
	case err == nil:
		logger.Info("payment initiated", slog.String("payment_reference", reference))
		return OutcomeInitiated, ""
	case errors.Is(err, invoice.ErrInvalidTransition):
		logger.Warn("transition rejected", slog.Any("error", err))
		return OutcomeSkipped, ""
	default:
		// The record stays RECEIVED; the next cycle reuses the idempotency key.
		logger.Error("record payment initiation", slog.String("payment_reference", reference), slog.Any("error", err))
		return OutcomeFailed, err.Error()
	}
}

func (e *Engine) markFailed(ctx context.Context, logger *slog.Logger, rec invoice.Record, reason string) (string, string) {
	return e.markFailedUnresolved(ctx, logger, rec, reason, false)
}

// markFailedUnresolved records a failure. unresolved keeps the attempt's
// idempotency key alive for a manual retry.
func (e *Engine) markFailedUnresolved(ctx context.Context, logger *slog.Logger, rec invoice.Record, reason string, unresolved bool) (string, string) {
	_, err := e.machine.Transition(ctx, rec, invoice.StatusPaymentFailed, invoice.Fields{FailureReason: reason, Unresolved: unresolved})
	switch {
	case err == nil:
		return OutcomeFailed, reason
	case errors.Is(err, invoice.ErrInvalidTransition):
		logger.Warn("transition rejected", slog.Any("error", err))
		return OutcomeSkipped, ""
	default:
		logger.Error("record payment failure", slog.Any("error", err))
		return OutcomeFailed, reason + "; " + err.Error()
	}
}

func paymentRequest(rec invoice.Record) (gateway.PaymentRequest, error) {
	if !rec.Amount.Valid {
		return gateway.PaymentRequest{}, &invoice.ValidationError{Field: "amount", Reason: "missing"}
	}
	if rec.Currency == "" {
		return gateway.PaymentRequest{}, &invoice.ValidationError{Field: "currency", Reason: "missing"}
	}
	req := gateway.PaymentRequest{
		InvoiceID:      rec.ID,
		IdempotencyKey: rec.IdempotencyKey(),
		Amount:         rec.Amount.Decimal,
		Currency:       rec.Currency,
		VendorName:     rec.VendorName,
		ReferenceID:    rec.ReferenceID,
	}
	if rec.DueDate != nil {
		req.DueDate = rec.DueDate.String()
	}
	return req, nil
}
