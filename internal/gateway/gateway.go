// Package gateway issues idempotent payment requests to the payment processor.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

//go:generate mockgen -source=gateway.go -destination=gateway_mock.go -package=gateway

// Mode selects live or test payment behaviour.
type Mode string

const (
	ModeLive Mode = "live"
	ModeTest Mode = "test"
)

// ParseMode validates a configured mode.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeLive:
		return ModeLive, nil
	case ModeTest, "":
		return ModeTest, nil
	}
	return "", fmt.Errorf("gateway: unknown payment mode %q", raw)
}

// PaymentRequest describes one payment attempt for an invoice. InvoiceID is
// carried in the request metadata and IdempotencyKey lets the processor
// collapse repeated submissions of the same attempt.
type PaymentRequest struct {
	InvoiceID      uuid.UUID
	IdempotencyKey string
	Amount         decimal.Decimal
	Currency       string
	VendorName     string
	ReferenceID    string
	DueDate        string
}

// Payment is the processor's acknowledgement of an accepted request.
type Payment struct {
	Reference string
	Status    string
}

// Gateway creates payments.
type Gateway interface {
	CreatePayment(ctx context.Context, req PaymentRequest) (Payment, error)
}

// Error is a rejected or unresolved payment request. Reason is kept verbatim
// from the processor where one is available. Indeterminate marks failures
// other than timeouts after which the request may still have been accepted.
type Error struct {
	Reason        string
	Code          string
	Timeout       bool
	Indeterminate bool
	Err           error
}

// Unresolved reports whether the processor may have accepted the request
// despite the error.
func (e *Error) Unresolved() bool { return e.Timeout || e.Indeterminate }

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Reason, e.Code)
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// AsError normalises err into an *Error, flagging deadline and network
// timeouts. Errors of unknown shape are treated as indeterminate.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr
	}
	if isTimeout(err) {
		return &Error{Reason: "gateway timeout: " + err.Error(), Timeout: true, Err: err}
	}
	return &Error{Reason: err.Error(), Indeterminate: true, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
