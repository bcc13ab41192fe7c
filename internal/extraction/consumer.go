// Package extraction turns upstream extraction results into invoice records.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/odyssey-erp/billpay/internal/invoice"
)

// recordNamespace scopes record ids derived from extraction provenance.
var recordNamespace = uuid.MustParse("8c4e7f0a-3b2d-5e61-9a7c-1d2f3e4b5c6d")

// Result is one extraction output. Optional fields are nil when the
// extractor could not find them.
type Result struct {
	Success         bool    `json:"success"`
	VendorName      *string `json:"vendor_name,omitempty" validate:"omitempty,max=256"`
	ReferenceID     *string `json:"reference_id,omitempty" validate:"omitempty,max=128"`
	DueDate         *string `json:"due_date,omitempty"`
	Amount          *string `json:"amount,omitempty"`
	Currency        *string `json:"currency,omitempty"`
	SourceReference string  `json:"source_reference" validate:"required,max=1024"`
	RequestID       string  `json:"request_id" validate:"omitempty,max=256"`
}

// Creator persists new records.
type Creator interface {
	Create(ctx context.Context, in invoice.NewRecord) (invoice.Record, bool, error)
}

// Consumer creates exactly one record per extraction request.
type Consumer struct {
	records  Creator
	validate *validator.Validate
	logger   *slog.Logger
}

// NewConsumer constructs a Consumer.
func NewConsumer(records Creator, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{records: records, validate: validator.New(), logger: logger}
}

// RecordID derives the record id for a document and extraction request, so a
// redelivered result maps onto the record it already created.
func RecordID(sourceReference, requestID string) uuid.UUID {
	return uuid.NewSHA1(recordNamespace, []byte(sourceReference+"#"+requestID))
}

// Consume creates the record for res. created is false when the result had
// already been consumed, in which case the stored record is returned.
// Unsuccessful extractions still produce a record, without payable fields.
func (c *Consumer) Consume(ctx context.Context, res Result) (invoice.Record, bool, error) {
	if err := c.validate.Struct(res); err != nil {
		return invoice.Record{}, false, validationError(err)
	}
	in := invoice.NewRecord{
		ID:                  RecordID(res.SourceReference, res.RequestID),
		SourceReference:     res.SourceReference,
		RequestID:           res.RequestID,
		ExtractionSucceeded: res.Success,
	}
	logger := c.logger.With(
		slog.String("invoice_id", in.ID.String()),
		slog.String("source_reference", res.SourceReference),
	)
	if res.Success {
		in.VendorName = deref(res.VendorName)
		in.ReferenceID = deref(res.ReferenceID)
		in.DueDate = c.parseDueDate(logger, res.DueDate)
		in.Amount = c.parseAmount(logger, res.Amount)
		in.Currency = c.parseCurrency(logger, res.Currency)
	}

	rec, created, err := c.records.Create(ctx, in)
	if err != nil {
		logger.Error("create invoice record", slog.Any("error", err))
		return invoice.Record{}, false, err
	}
	if !created {
		logger.Info("extraction result already consumed")
		return rec, false, nil
	}
	logger.Info("invoice received",
		slog.Bool("extraction_succeeded", res.Success),
		slog.Bool("payable", rec.DueDate != nil && rec.Amount.Valid),
	)
	return rec, true, nil
}

func (c *Consumer) parseDueDate(logger *slog.Logger, raw *string) *civil.Date {
	value := deref(raw)
	if value == "" {
		return nil
	}
	d, err := civil.ParseDate(value)
	if err != nil {
		logger.Warn("discarding malformed due date", slog.String("due_date", value))
		return nil
	}
	return &d
}

func (c *Consumer) parseAmount(logger *slog.Logger, raw *string) decimal.NullDecimal {
	value := deref(raw)
	if value == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		logger.Warn("discarding malformed amount", slog.String("amount", value))
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func (c *Consumer) parseCurrency(logger *slog.Logger, raw *string) string {
	value := strings.ToUpper(deref(raw))
	if value == "" {
		return ""
	}
	unit, err := currency.ParseISO(value)
	if err != nil {
		logger.Warn("discarding unknown currency", slog.String("currency", value))
		return ""
	}
	return unit.String()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &invoice.ValidationError{Field: fe.Field(), Reason: fmt.Sprintf("failed %q", fe.Tag())}
	}
	return fmt.Errorf("%w: %v", invoice.ErrValidation, err)
}
