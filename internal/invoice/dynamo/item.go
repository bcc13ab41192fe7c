package dynamo

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/billpay/internal/invoice"
)

// item is the DynamoDB representation of an invoice record. Dates are stored
// as YYYY-MM-DD strings so the status/due-date index sorts lexically.
type item struct {
	ID                  string      `dynamodbav:"id"`
	Status              string      `dynamodbav:"processing_status"`
	VendorName          string      `dynamodbav:"vendor_name,omitempty"`
	ReferenceID         string      `dynamodbav:"reference_id,omitempty"`
	DueDate             string      `dynamodbav:"due_date,omitempty"`
	Amount              string      `dynamodbav:"amount,omitempty"`
	Currency            string      `dynamodbav:"currency,omitempty"`
	PaymentReference    string      `dynamodbav:"payment_reference,omitempty"`
	FailureReason       string      `dynamodbav:"failure_reason,omitempty"`
	SourceReference     string      `dynamodbav:"source_reference"`
	RequestID           string      `dynamodbav:"request_id,omitempty"`
	ExtractionSucceeded bool        `dynamodbav:"extraction_successful"`
	Attempt             int         `dynamodbav:"attempt"`
	PaymentUnresolved   bool        `dynamodbav:"payment_unresolved,omitempty"`
	ReceivedAt          string      `dynamodbav:"received_timestamp"`
	LastUpdated         string      `dynamodbav:"last_updated"`
	SettledAt           string      `dynamodbav:"payment_succeeded_at,omitempty"`
	History             []eventItem `dynamodbav:"status_history,omitempty"`
}

type eventItem struct {
	From             string `dynamodbav:"from"`
	To               string `dynamodbav:"to"`
	PaymentReference string `dynamodbav:"payment_reference,omitempty"`
	FailureReason    string `dynamodbav:"failure_reason,omitempty"`
	At               string `dynamodbav:"at"`
}

func toItem(rec invoice.Record) item {
	it := item{
		ID:                  rec.ID.String(),
		Status:              string(rec.Status),
		VendorName:          rec.VendorName,
		ReferenceID:         rec.ReferenceID,
		Currency:            rec.Currency,
		PaymentReference:    rec.PaymentReference,
		FailureReason:       rec.FailureReason,
		SourceReference:     rec.SourceReference,
		RequestID:           rec.RequestID,
		ExtractionSucceeded: rec.ExtractionSucceeded,
		Attempt:             rec.Attempt,
		PaymentUnresolved:   rec.PaymentUnresolved,
		ReceivedAt:          formatTime(rec.ReceivedAt),
		LastUpdated:         formatTime(rec.LastUpdated),
	}
	if rec.DueDate != nil {
		it.DueDate = rec.DueDate.String()
	}
	if rec.Amount.Valid {
		it.Amount = rec.Amount.Decimal.String()
	}
	if rec.SettledAt != nil {
		it.SettledAt = formatTime(*rec.SettledAt)
	}
	return it
}

func (it item) record() (invoice.Record, error) {
	id, err := uuid.Parse(it.ID)
	if err != nil {
		return invoice.Record{}, fmt.Errorf("parse id %q: %w", it.ID, err)
	}
	rec := invoice.Record{
		ID:                  id,
		Status:              invoice.Status(it.Status),
		VendorName:          it.VendorName,
		ReferenceID:         it.ReferenceID,
		Currency:            it.Currency,
		PaymentReference:    it.PaymentReference,
		FailureReason:       it.FailureReason,
		SourceReference:     it.SourceReference,
		RequestID:           it.RequestID,
		ExtractionSucceeded: it.ExtractionSucceeded,
		Attempt:             it.Attempt,
		PaymentUnresolved:   it.PaymentUnresolved,
	}
	if it.DueDate != "" {
		d, err := civil.ParseDate(it.DueDate)
		if err != nil {
			return invoice.Record{}, fmt.Errorf("parse due_date: %w", err)
		}
		rec.DueDate = &d
	}
	if it.Amount != "" {
		v, err := decimal.NewFromString(it.Amount)
		if err != nil {
			return invoice.Record{}, fmt.Errorf("parse amount: %w", err)
		}
		rec.Amount = decimal.NewNullDecimal(v)
	}
	if rec.ReceivedAt, err = parseTime(it.ReceivedAt); err != nil {
		return invoice.Record{}, err
	}
	if rec.LastUpdated, err = parseTime(it.LastUpdated); err != nil {
		return invoice.Record{}, err
	}
	if it.SettledAt != "" {
		settled, err := parseTime(it.SettledAt)
		if err != nil {
			return invoice.Record{}, err
		}
		rec.SettledAt = &settled
	}
	return rec, nil
}

func (it item) events() ([]invoice.Event, error) {
	out := make([]invoice.Event, 0, len(it.History))
	for i, ev := range it.History {
		at, err := parseTime(ev.At)
		if err != nil {
			return nil, err
		}
		out = append(out, invoice.Event{
			ID:               int64(i + 1),
			From:             invoice.Status(ev.From),
			To:               invoice.Status(ev.To),
			PaymentReference: ev.PaymentReference,
			FailureReason:    ev.FailureReason,
			At:               at,
		})
	}
	return out, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", raw, err)
	}
	return t, nil
}
