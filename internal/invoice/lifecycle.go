package invoice

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var successors = map[Status][]Status{
	StatusReceived:         {StatusPaymentInitiated, StatusPaymentFailed},
	StatusPaymentInitiated: {StatusPaid},
	StatusPaymentFailed:    {StatusReceived},
	StatusPaid:             nil,
}

// CanTransition reports whether to is a legal successor of from.
func CanTransition(from, to Status) bool {
	for _, next := range successors[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Fields carries the transition specific values.
type Fields struct {
	PaymentReference string
	FailureReason    string
	// Unresolved flags a failure whose outcome at the processor is unknown.
	Unresolved bool
	SettledAt  time.Time
}

// Change is a fully resolved status update, conditioned on From.
type Change struct {
	ID               uuid.UUID
	From             Status
	To               Status
	PaymentReference string
	FailureReason    string
	SettledAt        *time.Time
	Attempt          int
	// PaymentUnresolved is only ever set on a move to PAYMENT_FAILED.
	PaymentUnresolved bool
	At                time.Time
}

// Apply returns rec with the change written to it.
func (c Change) Apply(rec Record) Record {
	rec.Status = c.To
	rec.PaymentReference = c.PaymentReference
	rec.FailureReason = c.FailureReason
	rec.SettledAt = c.SettledAt
	rec.Attempt = c.Attempt
	rec.PaymentUnresolved = c.PaymentUnresolved
	rec.LastUpdated = c.At
	return rec
}

// Event converts the change into a history entry.
func (c Change) Event() Event {
	return Event{
		InvoiceID:        c.ID,
		From:             c.From,
		To:               c.To,
		PaymentReference: c.PaymentReference,
		FailureReason:    c.FailureReason,
		At:               c.At,
	}
}

// Plan validates a transition of rec to the target status and resolves the
// resulting Change. It performs no I/O.
func Plan(rec Record, to Status, f Fields, now time.Time) (Change, error) {
	if !CanTransition(rec.Status, to) {
		return Change{}, &TransitionError{ID: rec.ID, From: rec.Status, To: to}
	}
	change := Change{
		ID:               rec.ID,
		From:             rec.Status,
		To:               to,
		PaymentReference: rec.PaymentReference,
		SettledAt:        rec.SettledAt,
		Attempt:          rec.Attempt,
		At:               now.UTC(),
	}
	switch to {
	case StatusPaymentInitiated:
		ref := strings.TrimSpace(f.PaymentReference)
		if ref == "" {
			return Change{}, &ValidationError{Field: "payment_reference", Reason: "required for " + string(to)}
		}
		if rec.PaymentReference != "" && rec.PaymentReference != ref {
			return Change{}, &ValidationError{Field: "payment_reference", Reason: "already set to " + rec.PaymentReference}
		}
		change.PaymentReference = ref
	case StatusPaymentFailed:
		reason := strings.TrimSpace(f.FailureReason)
		if reason == "" {
			reason = "unspecified failure"
		}
		change.FailureReason = reason
		change.PaymentUnresolved = f.Unresolved
	case StatusPaid:
		settled := f.SettledAt
		if settled.IsZero() {
			settled = now
		}
		settled = settled.UTC()
		change.SettledAt = &settled
	case StatusReceived:
		if !rec.PaymentUnresolved {
			change.Attempt = rec.Attempt + 1
		}
	}
	return change, nil
}

// Machine applies guarded transitions against a Repository.
type Machine struct {
	repo  Repository
	clock func() time.Time
}

// NewMachine constructs a Machine. A nil clock uses the wall clock in UTC.
func NewMachine(repo Repository, clock func() time.Time) *Machine {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Machine{repo: repo, clock: clock}
}

// Transition moves rec to the target status with a compare-and-set on its
// current status. When the store reports that the status has moved since rec
// was read, the freshly read record is returned along with a TransitionError.
func (m *Machine) Transition(ctx context.Context, rec Record, to Status, f Fields) (Record, error) {
	change, err := Plan(rec, to, f, m.clock())
	if err != nil {
		return rec, err
	}
	updated, err := m.repo.CompareAndSwap(ctx, change)
	if err == nil {
		return updated, nil
	}
	if errors.Is(err, ErrStatusConflict) {
		current, getErr := m.repo.Get(ctx, rec.ID)
		if getErr != nil {
			return rec, WrapStore("get", getErr)
		}
		return current, &TransitionError{ID: rec.ID, From: current.Status, To: to, Conflict: true}
	}
	return rec, WrapStore("compare and swap", err)
}
