package invoice

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Service exposes record creation, lookup and the operator retry.
type Service struct {
	repo    Repository
	machine *Machine
	logger  *slog.Logger
	clock   func() time.Time
}

// NewService wires the service with its repository and state machine.
func NewService(repo Repository, machine *Machine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if machine == nil {
		machine = NewMachine(repo, nil)
	}
	return &Service{
		repo:    repo,
		machine: machine,
		logger:  logger,
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new RECEIVED record. When a record with the same id already
// exists the stored record is returned with created=false.
func (s *Service) Create(ctx context.Context, in NewRecord) (Record, bool, error) {
	if in.ID == uuid.Nil {
		return Record{}, false, &ValidationError{Field: "id", Reason: "required"}
	}
	if strings.TrimSpace(in.SourceReference) == "" {
		return Record{}, false, &ValidationError{Field: "source_reference", Reason: "required"}
	}
	now := s.clock()
	rec := Record{
		ID:                  in.ID,
		Status:              StatusReceived,
		VendorName:          strings.TrimSpace(in.VendorName),
		ReferenceID:         strings.TrimSpace(in.ReferenceID),
		DueDate:             in.DueDate,
		Amount:              in.Amount,
		Currency:            strings.ToUpper(strings.TrimSpace(in.Currency)),
		SourceReference:     in.SourceReference,
		RequestID:           in.RequestID,
		ExtractionSucceeded: in.ExtractionSucceeded,
		ReceivedAt:          now,
		LastUpdated:         now,
	}
	err := s.repo.Create(ctx, rec)
	if errors.Is(err, ErrDuplicate) {
		existing, getErr := s.repo.Get(ctx, in.ID)
		if getErr != nil {
			return Record{}, false, WrapStore("get", getErr)
		}
		return existing, false, nil
	}
	if err != nil {
		return Record{}, false, WrapStore("create", err)
	}
	return rec, true, nil
}

// Get returns a single record.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return Record{}, WrapStore("get", err)
	}
	return rec, nil
}

// List returns records matching the filter, most recently received first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Record, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	recs, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, WrapStore("list", err)
	}
	return recs, nil
}

// Events returns the status history of a record.
func (s *Service) Events(ctx context.Context, id uuid.UUID) ([]Event, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	events, err := s.repo.Events(ctx, id)
	if err != nil {
		return nil, WrapStore("events", err)
	}
	return events, nil
}

// Retry resets a PAYMENT_FAILED record to RECEIVED so the next cycle picks it
// up again. A definitive failure moves to a fresh idempotency key; an
// unresolved one keeps its key so the processor can recognise the payment.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (Record, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	updated, err := s.machine.Transition(ctx, rec, StatusReceived, Fields{})
	if err != nil {
		s.logger.Warn("retry rejected", slog.String("invoice_id", id.String()), slog.Any("error", err))
		return updated, err
	}
	s.logger.Info("invoice reset for retry",
		slog.String("invoice_id", id.String()),
		slog.Int("attempt", updated.Attempt),
		slog.Bool("reused_key", rec.PaymentUnresolved),
	)
	return updated, nil
}
