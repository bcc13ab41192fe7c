package reconcile

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/billpay/internal/invoice"
	"github.com/odyssey-erp/billpay/internal/platform/httpx"
)

// SignatureHeader carries the processor's payload signature.
const SignatureHeader = "Stripe-Signature"

const maxPayloadBytes = 65536

// Handler receives processor webhooks.
type Handler struct {
	verifier   Verifier
	reconciler *Reconciler
	logger     *slog.Logger
}

// NewHandler constructs the webhook handler.
func NewHandler(verifier Verifier, reconciler *Reconciler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{verifier: verifier, reconciler: reconciler, logger: logger}
}

// MountRoutes registers the webhook route.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.receive)
}

// OutcomeResponse is the JSON view of an Outcome.
type OutcomeResponse struct {
	Result           Result                  `json:"result"`
	EventID          string                  `json:"event_id,omitempty"`
	EventType        string                  `json:"event_type,omitempty"`
	PaymentReference string                  `json:"payment_reference,omitempty"`
	Record           *invoice.RecordResponse `json:"record,omitempty"`
	Anomalies        []string                `json:"anomalies,omitempty"`
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.Problem(w, http.StatusRequestEntityTooLarge, "Payload Too Large", err.Error())
			return
		}
		httpx.Problem(w, http.StatusBadRequest, "Unreadable Body", err.Error())
		return
	}

	conf, err := h.verifier.Verify(payload, r.Header.Get(SignatureHeader))
	if err != nil {
		h.logger.Warn("webhook rejected", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	out, err := h.reconciler.Reconcile(r.Context(), conf)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	resp := OutcomeResponse{
		Result:           out.Result,
		EventID:          out.EventID,
		EventType:        out.EventType,
		PaymentReference: out.PaymentReference,
		Anomalies:        out.Anomalies,
	}
	if out.Record != nil {
		view := invoice.NewRecordResponse(*out.Record)
		resp.Record = &view
	}
	httpx.JSON(w, http.StatusOK, resp)
}
