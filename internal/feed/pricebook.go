// Package feed streams exchange mark prices into a PriceBook that the
// trailing-stop monitor and the paper exchange read from.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
)

type mark struct {
	price float64
	at    time.Time
}

// PriceBook is the latest mark per symbol. A price older than the staleness
// window is treated as missing so callers fall back to the account adapter.
// When a MarkCache is attached, updates are shared with other processes and
// a local miss is looked up there.
type PriceBook struct {
	stale  time.Duration
	cache  domain.MarkCache // optional
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	marks map[string]mark
}

var _ domain.PriceSource = (*PriceBook)(nil)

// NewPriceBook creates a PriceBook. cache may be nil.
func NewPriceBook(stale time.Duration, cache domain.MarkCache, logger *slog.Logger) *PriceBook {
	if stale <= 0 {
		stale = 5 * time.Second
	}
	return &PriceBook{
		stale:  stale,
		cache:  cache,
		logger: logger.With(slog.String("component", "price_book")),
		now:    time.Now,
		marks:  make(map[string]mark),
	}
}

// Update records a mark. Cache write failures are logged only.
func (b *PriceBook) Update(ctx context.Context, symbol string, price float64, at time.Time) {
	if price <= 0 {
		return
	}
	b.mu.Lock()
	if cur, ok := b.marks[symbol]; !ok || !at.Before(cur.at) {
		b.marks[symbol] = mark{price: price, at: at}
	}
	b.mu.Unlock()

	if b.cache != nil {
		if err := b.cache.SetMark(ctx, symbol, price, at); err != nil {
			b.logger.DebugContext(ctx, "feed: mark cache write failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
	}
}

// MarkPrice returns a fresh mark or an error wrapping domain.ErrNotFound.
func (b *PriceBook) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	now := b.now()
	b.mu.RLock()
	m, ok := b.marks[symbol]
	b.mu.RUnlock()
	if ok && now.Sub(m.at) <= b.stale {
		return m.price, nil
	}

	if b.cache != nil {
		price, at, err := b.cache.GetMark(ctx, symbol)
		switch {
		case err == nil && now.Sub(at) <= b.stale:
			return price, nil
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			b.logger.DebugContext(ctx, "feed: mark cache read failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	return 0, fmt.Errorf("feed: mark %s: %w", symbol, domain.ErrNotFound)
}

// Symbols returns the symbols with a recorded mark.
func (b *PriceBook) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.marks))
	for s := range b.marks {
		out = append(out, s)
	}
	return out
}
