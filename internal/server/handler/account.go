package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/registry"
	"github.com/alanyoungcy/copybot/internal/service"
)

// Roster is the read side of the account registry.
type Roster interface {
	Members() []registry.Member
	Get(id string) (registry.Member, bool)
}

// AccountHandler serves account listings, live positions and equity curves.
type AccountHandler struct {
	roster  Roster
	history *service.TradeService
	logger  *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(roster Roster, history *service.TradeService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{roster: roster, history: history, logger: logHandler(logger, "accounts")}
}

// ListAccounts returns every loaded account. Credentials are never encoded.
// GET /api/accounts
func (h *AccountHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	members := h.roster.Members()
	out := make([]domain.Account, 0, len(members))
	for _, m := range members {
		out = append(out, m.Account)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetAccount returns one account.
// GET /api/accounts/{id}
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	m, ok := h.roster.Get(pathParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, m.Account)
}

// ListPositions queries the venue for the account's open positions.
// GET /api/accounts/{id}/positions
func (h *AccountHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	m, ok := h.roster.Get(pathParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	positions, err := m.Exchange.FetchPositions(ctx)
	if err != nil {
		h.logger.WarnContext(ctx, "accounts: fetch positions failed",
			slog.String("account_id", m.Account.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "exchange error: "+string(domain.KindOf(err)))
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// ListBalances returns the account's equity curve, newest first.
// GET /api/accounts/{id}/balances
func (h *AccountHandler) ListBalances(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	snaps, err := h.history.ListBalances(r.Context(), id, parseListOpts(r))
	if err != nil {
		writeHistoryError(w, err)
		return
	}
	if snaps == nil {
		snaps = []domain.BalanceSnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func writeHistoryError(w http.ResponseWriter, err error) {
	if errors.Is(err, service.ErrHistoryDisabled) {
		writeError(w, http.StatusNotImplemented, "history is not recorded in this deployment")
		return
	}
	writeError(w, statusFor(err), "history query failed")
}
