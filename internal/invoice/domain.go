package invoice

import (
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status enumerates the payment lifecycle states of an invoice record.
type Status string

const (
	StatusReceived         Status = "RECEIVED"
	StatusPaymentInitiated Status = "PAYMENT_INITIATED"
	StatusPaid             Status = "PAID"
	StatusPaymentFailed    Status = "PAYMENT_FAILED"
)

// Statuses lists every known status in lifecycle order.
var Statuses = []Status{StatusReceived, StatusPaymentInitiated, StatusPaid, StatusPaymentFailed}

// ParseStatus converts a stored or user supplied value into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	for _, known := range Statuses {
		if s == known {
			return s, nil
		}
	}
	return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", raw)}
}

func (s Status) String() string { return string(s) }

// Record is the persisted state of one extracted invoice.
type Record struct {
	ID                  uuid.UUID
	Status              Status
	VendorName          string
	ReferenceID         string
	DueDate             *civil.Date
	Amount              decimal.NullDecimal
	Currency            string
	PaymentReference    string
	FailureReason       string
	SourceReference     string
	RequestID           string
	ExtractionSucceeded bool
	Attempt             int
	// PaymentUnresolved marks a failure where the processor may still have
	// accepted the payment. A retry keeps the attempt and so its key.
	PaymentUnresolved bool
	ReceivedAt        time.Time
	LastUpdated       time.Time
	SettledAt         *time.Time
}

// DueOn reports whether the record is due on the given date.
func (r Record) DueOn(day civil.Date) bool {
	return r.DueDate != nil && *r.DueDate == day
}

// IdempotencyKey identifies one payment attempt for the record. Re-running a
// cycle against the same attempt yields the same key, and so does a retry of
// an unresolved failure.
func (r Record) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", r.ID, r.Attempt)
}

// Event is one entry of a record's status history.
type Event struct {
	ID               int64
	InvoiceID        uuid.UUID
	From             Status
	To               Status
	PaymentReference string
	FailureReason    string
	At               time.Time
}

// NewRecord carries the fields captured at creation time.
type NewRecord struct {
	ID                  uuid.UUID
	VendorName          string
	ReferenceID         string
	DueDate             *civil.Date
	Amount              decimal.NullDecimal
	Currency            string
	SourceReference     string
	RequestID           string
	ExtractionSucceeded bool
}

// ListFilter narrows operator listings.
type ListFilter struct {
	Status *Status
	Limit  int
}
