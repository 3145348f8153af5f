package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/service"
)

// TradeHandler serves the trade history.
type TradeHandler struct {
	history *service.TradeService
	logger  *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(history *service.TradeService, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{history: history, logger: logHandler(logger, "trades")}
}

// ListTrades returns execution results, newest first. ?account_id= filters
// one account and ?role=master lists the master executions only.
// GET /api/trades
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if r.URL.Query().Get("role") == string(domain.RoleMaster) {
		accountID = domain.MasterTrades
	}
	recs, err := h.history.ListTrades(r.Context(), accountID, parseListOpts(r))
	if err != nil {
		h.logger.WarnContext(r.Context(), "trades: list failed", slog.String("error", err.Error()))
		writeHistoryError(w, err)
		return
	}
	if recs == nil {
		recs = []domain.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}
