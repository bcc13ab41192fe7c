package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/billpay/internal/platform/httpx"
)

// Runner runs one payment cycle.
type Runner interface {
	RunCycle(ctx context.Context) (CycleReport, error)
}

// Handler exposes a manual cycle trigger.
type Handler struct {
	runner Runner
	group  singleflight.Group
	logger *slog.Logger
}

// NewHandler constructs the trigger handler.
func NewHandler(runner Runner, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{runner: runner, logger: logger}
}

// MountRoutes registers the cycle routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/cycles", h.trigger)
}

type triggerResponse struct {
	CycleReport
	Shared bool `json:"shared"`
}

// trigger runs a cycle synchronously. Requests arriving while a cycle started
// by this process is running share its report.
func (h *Handler) trigger(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	v, err, shared := h.group.Do("cycle", func() (any, error) {
		return h.runner.RunCycle(ctx)
	})
	report, _ := v.(CycleReport)
	if err != nil && !errors.Is(err, ErrCycleInProgress) {
		h.logger.Error("manual cycle", slog.Any("error", err))
	}
	switch {
	case err == nil:
		httpx.JSON(w, http.StatusOK, triggerResponse{CycleReport: report, Shared: shared})
	case errors.Is(err, ErrCycleAborted):
		httpx.Problem(w, http.StatusServiceUnavailable, "Cycle Aborted", err.Error())
	default:
		httpx.RespondError(w, err)
	}
}
