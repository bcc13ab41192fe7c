package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-erp/billpay/internal/gateway"
	"github.com/odyssey-erp/billpay/internal/invoice"
	jobmetrics "github.com/odyssey-erp/billpay/internal/jobs"
	"github.com/odyssey-erp/billpay/internal/shared"
)

// Result classifies the handling of one confirmation.
type Result string

const (
	ResultApplied        Result = "applied"
	ResultIgnored        Result = "ignored"
	ResultNoMatch        Result = "no_match"
	ResultAlreadySettled Result = "already_settled"
	ResultRejected       Result = "rejected"
	ResultDuplicateEvent Result = "duplicate_event"
)

const defaultDedupTTL = 72 * time.Hour

// Outcome reports what a confirmation did. Record is the state of the
// matched record after handling, when there was one.
type Outcome struct {
	Result           Result
	EventID          string
	EventType        string
	PaymentReference string
	Record           *invoice.Record
	Anomalies        []string
}

// Reconciler settles records from verified confirmations.
type Reconciler struct {
	repo     invoice.Repository
	machine  *invoice.Machine
	locker   shared.Locker
	dedupTTL time.Duration
	metrics  *jobmetrics.Metrics
	logger   *slog.Logger
	clock    func() time.Time
}

// Option customises a Reconciler.
type Option func(*Reconciler)

// WithEventDedup claims processed event ids so redeliveries skip the store.
func WithEventDedup(l shared.Locker, ttl time.Duration) Option {
	return func(r *Reconciler) {
		r.locker = l
		if ttl > 0 {
			r.dedupTTL = ttl
		}
	}
}

// WithMetrics counts results.
func WithMetrics(m *jobmetrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithClock overrides the settlement clock.
func WithClock(clock func() time.Time) Option {
	return func(r *Reconciler) { r.clock = clock }
}

// NewReconciler constructs a Reconciler. A nil machine is built over repo.
func NewReconciler(repo invoice.Repository, machine *invoice.Machine, logger *slog.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		repo:     repo,
		dedupTTL: defaultDedupTTL,
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	if machine == nil {
		machine = invoice.NewMachine(repo, r.clock)
	}
	r.machine = machine
	return r
}

// Reconcile applies one verified confirmation. Replays, unknown references
// and unrelated event types are reported through the Outcome, not as errors;
// an error means the store could not be read or written.
func (r *Reconciler) Reconcile(ctx context.Context, c Confirmation) (out Outcome, err error) {
	out = Outcome{EventID: c.EventID, EventType: c.EventType, PaymentReference: c.PaymentReference}
	logger := r.logger.With(
		slog.String("event_id", c.EventID),
		slog.String("event_type", c.EventType),
		slog.String("payment_reference", c.PaymentReference),
	)
	defer func() {
		if err == nil {
			r.metrics.AddWebhookResult(string(out.Result))
		} else {
			r.metrics.AddWebhookResult("error")
		}
	}()

	if c.EventType != EventPaymentSucceeded {
		logger.Info("webhook event ignored")
		out.Result = ResultIgnored
		return out, nil
	}
	if strings.TrimSpace(c.PaymentReference) == "" {
		return out, fmt.Errorf("%w: event %s carries no payment reference", ErrPayload, c.EventID)
	}

	if r.locker != nil && c.EventID != "" {
		release, lockErr := r.locker.Acquire(ctx, shared.WebhookEventKey(c.EventID), r.dedupTTL)
		switch {
		case errors.Is(lockErr, shared.ErrLockHeld):
			logger.Info("duplicate webhook delivery")
			out.Result = ResultDuplicateEvent
			return out, nil
		case lockErr != nil:
			logger.Warn("claim webhook event", slog.Any("error", lockErr))
		default:
			// Only a settled outcome keeps the claim, so a resend of an event
			// that arrived before its record can still apply.
			defer func() {
				if err == nil && (out.Result == ResultApplied || out.Result == ResultAlreadySettled) {
					return
				}
				if relErr := release(context.WithoutCancel(ctx)); relErr != nil {
					logger.Warn("release webhook event", slog.Any("error", relErr))
				}
			}()
		}
	}

	matches, err := r.repo.FindByPaymentReference(ctx, c.PaymentReference)
	if err != nil {
		err = invoice.WrapStore("find by payment reference", err)
		logger.Error("lookup payment reference", slog.Any("error", err))
		return out, err
	}
	if len(matches) == 0 {
		logger.Warn("no record for payment reference")
		out.Result = ResultNoMatch
		return out, nil
	}
	if len(matches) > 1 {
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID.String()
		}
		anomaly := fmt.Sprintf("payment reference shared by %d records: %s", len(matches), strings.Join(ids, ","))
		logger.Error("payment reference anomaly", slog.String("anomaly", anomaly))
		out.Anomalies = append(out.Anomalies, anomaly)
	}
	rec := matches[0]
	logger = logger.With(slog.String("invoice_id", rec.ID.String()))
	if anomaly := amountMismatch(rec, c); anomaly != "" {
		logger.Warn("settlement amount anomaly", slog.String("anomaly", anomaly))
		out.Anomalies = append(out.Anomalies, anomaly)
	}

	if rec.Status == invoice.StatusPaid {
		out.Result = ResultAlreadySettled
		out.Record = &rec
		logger.Info("payment already settled")
		return out, nil
	}

	updated, err := r.machine.Transition(ctx, rec, invoice.StatusPaid, invoice.Fields{SettledAt: r.clock()})
	var transErr *invoice.TransitionError
	switch {
	case err == nil:
		out.Result = ResultApplied
		out.Record = &updated
		logger.Info("payment settled")
		return out, nil
	case errors.As(err, &transErr):
		out.Record = &updated
		if transErr.From == invoice.StatusPaid {
			out.Result = ResultAlreadySettled
			logger.Info("payment already settled")
		} else {
			out.Result = ResultRejected
			logger.Warn("settlement rejected", slog.Any("error", err))
		}
		return out, nil
	default:
		logger.Error("settle payment", slog.Any("error", err))
		return out, err
	}
}

func amountMismatch(rec invoice.Record, c Confirmation) string {
	if c.Amount == 0 || !rec.Amount.Valid || rec.Currency == "" {
		return ""
	}
	if c.Currency != "" && !strings.EqualFold(c.Currency, rec.Currency) {
		return fmt.Sprintf("currency mismatch: record %s, confirmation %s", rec.Currency, c.Currency)
	}
	expected, err := gateway.MinorUnits(rec.Amount.Decimal, rec.Currency)
	if err != nil {
		return ""
	}
	if expected != c.Amount {
		return fmt.Sprintf("amount mismatch: record %d, confirmation %d minor units", expected, c.Amount)
	}
	return ""
}
