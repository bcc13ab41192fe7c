package invoice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/billpay/internal/platform/httpx"
)

// Payments exposes processor side operations on a payment reference.
type Payments interface {
	PaymentStatus(ctx context.Context, reference string) (string, error)
	CancelPayment(ctx context.Context, reference string) (string, error)
}

// Handler serves the operator invoice API.
type Handler struct {
	svc      *Service
	payments Payments
	logger   *slog.Logger
}

// NewHandler constructs the invoice HTTP handler. payments may be nil.
func NewHandler(svc *Service, payments Payments, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, payments: payments, logger: logger}
}

// MountRoutes registers invoice routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/invoices", h.list)
	r.Get("/invoices/{id}", h.get)
	r.Get("/invoices/{id}/events", h.events)
	r.Get("/invoices/{id}/payment", h.payment)
	r.Post("/invoices/{id}/payment/cancel", h.cancelPayment)
	r.Post("/invoices/{id}/retry", h.retry)
}

// RecordResponse is the JSON view of a Record.
type RecordResponse struct {
	ID                  string     `json:"id"`
	Status              Status     `json:"status"`
	VendorName          string     `json:"vendor_name,omitempty"`
	ReferenceID         string     `json:"reference_id,omitempty"`
	DueDate             *string    `json:"due_date"`
	Amount              *string    `json:"amount"`
	Currency            string     `json:"currency,omitempty"`
	PaymentReference    string     `json:"payment_reference,omitempty"`
	FailureReason       string     `json:"failure_reason,omitempty"`
	SourceReference     string     `json:"source_reference"`
	ExtractionSucceeded bool       `json:"extraction_succeeded"`
	Attempt             int        `json:"attempt"`
	PaymentUnresolved   bool       `json:"payment_unresolved,omitempty"`
	ReceivedAt          time.Time  `json:"received_at"`
	LastUpdated         time.Time  `json:"last_updated"`
	SettledAt           *time.Time `json:"settled_at,omitempty"`
}

// NewRecordResponse converts a record for JSON output.
func NewRecordResponse(rec Record) RecordResponse {
	resp := RecordResponse{
		ID:                  rec.ID.String(),
		Status:              rec.Status,
		VendorName:          rec.VendorName,
		ReferenceID:         rec.ReferenceID,
		Currency:            rec.Currency,
		PaymentReference:    rec.PaymentReference,
		FailureReason:       rec.FailureReason,
		SourceReference:     rec.SourceReference,
		ExtractionSucceeded: rec.ExtractionSucceeded,
		Attempt:             rec.Attempt,
		PaymentUnresolved:   rec.PaymentUnresolved,
		ReceivedAt:          rec.ReceivedAt,
		LastUpdated:         rec.LastUpdated,
		SettledAt:           rec.SettledAt,
	}
	if rec.DueDate != nil {
		due := rec.DueDate.String()
		resp.DueDate = &due
	}
	if rec.Amount.Valid {
		amount := rec.Amount.Decimal.String()
		resp.Amount = &amount
	}
	return resp
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	var filter ListFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := ParseStatus(raw)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		filter.Status = &status
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	recs, err := h.svc.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list invoices", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]RecordResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, NewRecordResponse(rec))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"invoices": out})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	rec, err := h.svc.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, NewRecordResponse(rec))
}

func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	events, err := h.svc.Events(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	type eventResponse struct {
		From             Status    `json:"from"`
		To               Status    `json:"to"`
		PaymentReference string    `json:"payment_reference,omitempty"`
		FailureReason    string    `json:"failure_reason,omitempty"`
		At               time.Time `json:"at"`
	}
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, eventResponse{From: ev.From, To: ev.To, PaymentReference: ev.PaymentReference, FailureReason: ev.FailureReason, At: ev.At})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"events": out})
}

func (h *Handler) payment(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	rec, err := h.svc.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if rec.PaymentReference == "" {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "invoice has no payment reference")
		return
	}
	if h.payments == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "payment lookup not configured")
		return
	}
	status, err := h.payments.PaymentStatus(r.Context(), rec.PaymentReference)
	if err != nil {
		h.logger.Warn("payment status lookup", slog.String("payment_reference", rec.PaymentReference), slog.Any("error", err))
		httpx.RespondError(w, fmt.Errorf("payment status: %w: %v", httpx.ErrUpstream, err))
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"invoice_id":        rec.ID.String(),
		"status":            rec.Status,
		"payment_reference": rec.PaymentReference,
		"processor_status":  status,
	})
}

// cancelPayment voids the processor side intent of a record that is still
// waiting on settlement. The record itself keeps its status: a cancelled
// intent never confirms, and the operator decides what happens next.
func (h *Handler) cancelPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	rec, err := h.svc.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if rec.Status != StatusPaymentInitiated || rec.PaymentReference == "" {
		httpx.RespondError(w, fmt.Errorf("%w: invoice is %s, only %s payments can be cancelled",
			httpx.ErrConflict, rec.Status, StatusPaymentInitiated))
		return
	}
	if h.payments == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "payment gateway not configured")
		return
	}
	status, err := h.payments.CancelPayment(r.Context(), rec.PaymentReference)
	if err != nil {
		h.logger.Warn("cancel payment", slog.String("payment_reference", rec.PaymentReference), slog.Any("error", err))
		httpx.RespondError(w, fmt.Errorf("cancel payment: %w: %v", httpx.ErrUpstream, err))
		return
	}
	h.logger.Info("payment cancelled at processor",
		slog.String("invoice_id", rec.ID.String()),
		slog.String("payment_reference", rec.PaymentReference),
	)
	httpx.JSON(w, http.StatusOK, map[string]any{
		"invoice_id":        rec.ID.String(),
		"status":            rec.Status,
		"payment_reference": rec.PaymentReference,
		"processor_status":  status,
	})
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	rec, err := h.svc.Retry(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, NewRecordResponse(rec))
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid invoice id")
		return uuid.Nil, false
	}
	return id, true
}
