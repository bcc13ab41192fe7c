package extraction

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/billpay/internal/invoice"
	"github.com/odyssey-erp/billpay/internal/platform/httpx"
)

// Handler accepts extraction results over HTTP.
type Handler struct {
	consumer *Consumer
	logger   *slog.Logger
}

// NewHandler constructs the intake handler.
func NewHandler(consumer *Consumer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{consumer: consumer, logger: logger}
}

// MountRoutes registers the intake route.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/extractions", h.create)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var res Result
	if err := httpx.DecodeJSON(r, &res); err != nil {
		httpx.RespondError(w, err)
		return
	}
	rec, created, err := h.consumer.Consume(r.Context(), res)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httpx.JSON(w, status, invoice.NewRecordResponse(rec))
}
