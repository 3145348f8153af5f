// Package exchange holds the venue-independent pieces of the adapter layer:
// the per-kind factory, precision rounding, idempotency keys and the shared
// HTTP error classification. Concrete venues live in sub-packages.
package exchange

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// Constructor builds an adapter for one account.
type Constructor func(acct domain.Account) (domain.Exchange, error)

// Factory selects an adapter implementation by exchange kind. It is
// populated once at startup and is safe for concurrent use afterwards.
type Factory struct {
	mu    sync.RWMutex
	ctors map[domain.ExchangeKind]Constructor
}

// NewFactory returns an empty factory.
func NewFactory() *Factory {
	return &Factory{ctors: make(map[domain.ExchangeKind]Constructor)}
}

// Register installs ctor for kind, replacing any previous one.
func (f *Factory) Register(kind domain.ExchangeKind, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[kind] = ctor
}

// Kinds lists the registered exchange kinds in sorted order.
func (f *Factory) Kinds() []domain.ExchangeKind {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]domain.ExchangeKind, 0, len(f.ctors))
	for k := range f.ctors {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// New builds the adapter for acct.
func (f *Factory) New(acct domain.Account) (domain.Exchange, error) {
	f.mu.RLock()
	ctor, ok := f.ctors[acct.Exchange]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("exchange: %w: %q", domain.ErrUnsupportedExchange, acct.Exchange)
	}
	ex, err := ctor(acct)
	if err != nil {
		return nil, fmt.Errorf("exchange: build %s adapter for %s: %w", acct.Exchange, acct.ID, err)
	}
	return ex, nil
}

// ClientOrderID derives a deterministic idempotency key for one order leg of
// a signal on one account. Retries reuse it so the venue can reject a
// duplicate instead of filling twice. The result is 32 alphanumeric
// characters, which satisfies both Binance and OKX.
func ClientOrderID(signalID, accountID, leg string) string {
	sum := sha256.Sum256([]byte(signalID + "|" + accountID + "|" + leg))
	return "cb" + hex.EncodeToString(sum[:15])
}

// ClassifyHTTP maps an HTTP status without a venue-specific code onto the
// error taxonomy.
func ClassifyHTTP(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.ErrAuthentication
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status == 418, // binance IP ban after repeated 429s
		status >= 500:
		return domain.ErrTransientNetwork
	default:
		return domain.ErrValidation
	}
}

// ProtectivePrices derives take-profit and stop-loss trigger prices from the
// fill price and signal percentages. Zero percentages yield zero prices.
func ProtectivePrices(side domain.PositionSide, fill, tpPct, slPct, tick float64) (tp, sl float64) {
	if fill <= 0 {
		return 0, 0
	}
	dir := 1.0
	if side == domain.SideShort {
		dir = -1
	}
	if tpPct > 0 {
		tp = RoundPrice(fill*(1+dir*tpPct/100), tick)
	}
	if slPct > 0 {
		sl = RoundPrice(fill*(1-dir*slPct/100), tick)
	}
	return tp, sl
}
