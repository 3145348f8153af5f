package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/copybot/internal/killswitch"
	"github.com/alanyoungcy/copybot/internal/registry"
	"github.com/alanyoungcy/copybot/internal/service"
)

// Admin is the operator control surface.
type Admin interface {
	Reload(ctx context.Context) (registry.LoadReport, error)
	PauseTrading(ctx context.Context)
	ResumeTrading(ctx context.Context)
	PauseAccount(ctx context.Context, id string) error
	ResumeAccount(ctx context.Context, id string) error
	Panic(ctx context.Context) (killswitch.Tally, error)
	ResetGuardrails(ctx context.Context) int
	Status(ctx context.Context) service.Status
}

var _ Admin = (*service.AdminService)(nil)

// AdminHandler serves the /api/admin endpoints.
type AdminHandler struct {
	admin  Admin
	logger *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(admin Admin, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{admin: admin, logger: logHandler(logger, "admin")}
}

// Reload re-reads the account roster.
// POST /api/admin/reload
func (h *AdminHandler) Reload(w http.ResponseWriter, r *http.Request) {
	report, err := h.admin.Reload(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "admin: reload failed", slog.String("error", err.Error()))
		writeError(w, statusFor(err), "reload failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// PauseTrading engages the global pause.
// POST /api/admin/trading/pause
func (h *AdminHandler) PauseTrading(w http.ResponseWriter, r *http.Request) {
	h.admin.PauseTrading(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"trading_paused": true})
}

// ResumeTrading lifts the global pause.
// POST /api/admin/trading/resume
func (h *AdminHandler) ResumeTrading(w http.ResponseWriter, r *http.Request) {
	h.admin.ResumeTrading(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"trading_paused": false})
}

// PauseAccount disables trading for one account.
// POST /api/admin/accounts/{id}/pause
func (h *AdminHandler) PauseAccount(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, false)
}

// ResumeAccount re-enables trading for one account.
// POST /api/admin/accounts/{id}/resume
func (h *AdminHandler) ResumeAccount(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, true)
}

func (h *AdminHandler) toggle(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := pathParam(r, "id")
	var err error
	if enabled {
		err = h.admin.ResumeAccount(r.Context(), id)
	} else {
		err = h.admin.PauseAccount(r.Context(), id)
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": id, "trading_enabled": enabled})
}

// Panic force-closes every position. The sweep runs to completion even if
// the client disconnects.
// POST /api/admin/panic
func (h *AdminHandler) Panic(w http.ResponseWriter, r *http.Request) {
	tally, err := h.admin.Panic(context.WithoutCancel(r.Context()))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "admin: panic failed", slog.String("error", err.Error()))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tally)
}

// ResetGuardrails clears every guardrail pause.
// POST /api/admin/guardrails/reset
func (h *AdminHandler) ResetGuardrails(w http.ResponseWriter, r *http.Request) {
	n := h.admin.ResetGuardrails(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
}

// Status reports the engine state.
// GET /api/admin/status
func (h *AdminHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.admin.Status(r.Context()))
}
