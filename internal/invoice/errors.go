package invoice

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/odyssey-erp/billpay/internal/platform/httpx"
)

var (
	// ErrNotFound indicates the record does not exist.
	ErrNotFound = fmt.Errorf("invoice: %w", httpx.ErrNotFound)
	// ErrDuplicate indicates a record with the same id already exists.
	ErrDuplicate = fmt.Errorf("invoice: %w", httpx.ErrDuplicate)
	// ErrDuplicateReference indicates another record already holds the payment reference.
	ErrDuplicateReference = fmt.Errorf("invoice: payment reference already assigned: %w", httpx.ErrConflict)
	// ErrValidation marks missing or malformed record fields.
	ErrValidation = fmt.Errorf("invoice: %w", httpx.ErrValidation)
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = fmt.Errorf("invoice: invalid status transition: %w", httpx.ErrConflict)
	// ErrStatusConflict is returned by stores when the conditional update lost the race.
	ErrStatusConflict = errors.New("invoice: status changed since read")
	// ErrStore wraps failures of the underlying record store.
	ErrStore = errors.New("record store failure")
)

// ValidationError describes a missing or malformed field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TransitionError reports a rejected status change. From is the status the
// record actually had when the change was rejected.
type TransitionError struct {
	ID       uuid.UUID
	From     Status
	To       Status
	Conflict bool
}

func (e *TransitionError) Error() string {
	if e.Conflict {
		return fmt.Sprintf("invoice %s: status moved to %s before %s could be applied", e.ID, e.From, e.To)
	}
	return fmt.Sprintf("invoice %s: cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// StoreError wraps a read or write failure of a record store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrStore, e.Err} }

// WrapStore tags err as a StoreError unless it already carries a domain sentinel.
func WrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrNotFound, ErrDuplicate, ErrDuplicateReference, ErrStatusConflict, ErrStore} {
		if errors.Is(err, known) {
			return err
		}
	}
	return &StoreError{Op: op, Err: err}
}
