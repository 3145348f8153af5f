package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/queue"
)

// SignalSubmitter accepts validated signals.
type SignalSubmitter interface {
	Submit(ctx context.Context, sig domain.Signal) (queue.Receipt, error)
}

// SignalHandler is the signal intake endpoint.
type SignalHandler struct {
	queue           SignalSubmitter
	defaultStrategy string
	logger          *slog.Logger
}

// NewSignalHandler creates a SignalHandler.
func NewSignalHandler(q SignalSubmitter, defaultStrategy string, logger *slog.Logger) *SignalHandler {
	return &SignalHandler{queue: q, defaultStrategy: defaultStrategy, logger: logHandler(logger, "signals")}
}

// Submit validates and enqueues one signal. Invalid signals are answered
// with 400 and never reach the queue.
// POST /api/signals
func (h *SignalHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var sig domain.Signal
	if err := decodeJSON(w, r, &sig); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if len(sig.ID) > 64 {
		writeError(w, http.StatusBadRequest, "id must be at most 64 characters")
		return
	}
	if sig.StrategyID == "" {
		sig.StrategyID = h.defaultStrategy
	}
	// Webhooks carry no sizing multiplier; only the DCA monitor sets one.
	sig.SizeMultiplier = 0
	sig.ReceivedAt = time.Now().UTC()

	if err := sig.Validate(); err != nil {
		h.logger.InfoContext(r.Context(), "signals: rejected",
			slog.String("symbol", sig.Symbol),
			slog.String("action", string(sig.Action)),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	receipt, err := h.queue.Submit(r.Context(), sig)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "signals: enqueue failed",
			slog.String("signal_id", sig.ID),
			slog.String("error", err.Error()),
		)
		code := statusFor(err)
		if code == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "1")
		}
		writeError(w, code, "signal not accepted")
		return
	}

	h.logger.InfoContext(r.Context(), "signals: accepted",
		slog.String("signal_id", sig.ID),
		slog.String("symbol", sig.Symbol),
		slog.String("action", string(sig.Action)),
		slog.String("backend", receipt.Backend),
	)
	writeJSON(w, http.StatusAccepted, receipt)
}
