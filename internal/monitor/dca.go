package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/registry"
)

// pnlEpsilon absorbs float noise at the exact threshold.
const pnlEpsilon = 1e-9

// DCAMonitor adds to losing positions. An order fires when a position's PnL
// crosses below -ThresholdPct; the crossing then disarms until PnL recovers
// above the threshold, and each position epoch is capped at MaxOrders.
type DCAMonitor struct {
	roster   Roster
	exec     Executor
	counter  domain.DCACounter
	sink     domain.EventSink
	interval time.Duration
	logger   *slog.Logger

	positions sync.Map // position key -> *dcaEntry, for positions seen on the last scan
}

type dcaEntry struct {
	mu       sync.Mutex
	disarmed bool
	busy     bool // an order for this position is in flight
}

// NewDCAMonitor creates the averaging loop.
func NewDCAMonitor(roster Roster, exec Executor, counter domain.DCACounter, sink domain.EventSink, interval time.Duration, logger *slog.Logger) *DCAMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &DCAMonitor{
		roster:   roster,
		exec:     exec,
		counter:  counter,
		sink:     sink,
		interval: interval,
		logger:   logger.With(slog.String("component", "dca_monitor")),
	}
}

func (d *DCAMonitor) entry(key string) *dcaEntry {
	if e, ok := d.positions.Load(key); ok {
		return e.(*dcaEntry)
	}
	e, _ := d.positions.LoadOrStore(key, &dcaEntry{})
	return e.(*dcaEntry)
}

// Run ticks until ctx is cancelled.
func (d *DCAMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick scans every DCA-enabled account once.
func (d *DCAMonitor) Tick(ctx context.Context) {
	for _, m := range d.roster.Members() {
		acct := m.Account
		if !acct.DCA.Enabled || !acct.TradingEnabled || acct.DCA.ThresholdPct <= 0 || acct.DCA.MaxOrders <= 0 {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		positions, err := m.Exchange.FetchPositions(cctx)
		cancel()
		if err != nil {
			d.logger.WarnContext(ctx, "dca: fetch positions failed",
				slog.String("account_id", acct.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		d.scan(ctx, m, positions)
	}
}

func (d *DCAMonitor) scan(ctx context.Context, m registry.Member, positions []domain.Position) {
	acct := m.Account
	seen := make(map[string]bool, len(positions))
	for _, p := range positions {
		if p.Quantity <= 0 {
			continue
		}
		key := positionKey(acct.ID, p.Symbol, p.Side)
		seen[key] = true
		d.check(ctx, m, p, d.entry(key))
	}
	d.closeEpochs(ctx, acct.ID, seen)
}

func (d *DCAMonitor) check(ctx context.Context, m registry.Member, p domain.Position, e *dcaEntry) {
	acct := m.Account
	pnl := p.PnLPercent()

	e.mu.Lock()
	if pnl > -acct.DCA.ThresholdPct+pnlEpsilon {
		e.disarmed = false
		e.mu.Unlock()
		return
	}
	if e.disarmed || e.busy {
		e.mu.Unlock()
		return
	}
	e.busy = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.busy = false
		e.mu.Unlock()
	}()

	epoch, err := d.counter.Epoch(ctx, acct.ID, p.Symbol, p.Side)
	if err != nil {
		d.logger.WarnContext(ctx, "dca: epoch lookup failed", slog.String("account_id", acct.ID), slog.String("error", err.Error()))
		return
	}
	count, err := d.counter.Count(ctx, epoch)
	if err != nil {
		d.logger.WarnContext(ctx, "dca: count lookup failed", slog.String("account_id", acct.ID), slog.String("error", err.Error()))
		return
	}
	if count >= acct.DCA.MaxOrders {
		return
	}

	mult := acct.DCA.Multiplier
	if mult <= 0 {
		mult = 1
	}
	res := d.exec.ExecuteFor(ctx, m, domain.Signal{
		Symbol:         p.Symbol,
		Action:         domain.ActionDCA,
		Side:           p.Side,
		SizeMultiplier: mult,
	})
	if res.Status == domain.StatusError {
		// Stay armed so the next tick retries.
		return
	}
	e.mu.Lock()
	e.disarmed = true
	e.mu.Unlock()
	if !res.Succeeded() {
		return
	}

	n, err := d.counter.Increment(ctx, epoch)
	if err != nil {
		d.logger.WarnContext(ctx, "dca: increment failed", slog.String("epoch", epoch), slog.String("error", err.Error()))
	}
	d.logger.InfoContext(ctx, "dca: order placed",
		slog.String("account_id", acct.ID),
		slog.String("symbol", p.Symbol),
		slog.Float64("pnl_pct", pnl),
		slog.Int("count", n),
		slog.Int("max", acct.DCA.MaxOrders),
	)
	emit(d.sink, domain.Event{
		Type:      domain.EventDCATriggered,
		Severity:  domain.SeverityInfo,
		AccountID: domain.AccountRef(acct.ID),
		Symbol:    p.Symbol,
		Message:   fmt.Sprintf("dca %d/%d at %.2f%%", n, acct.DCA.MaxOrders, pnl),
		Data:      map[string]any{"epoch": epoch, "filled_qty": res.FilledQty, "avg_price": res.AvgPrice},
	})
}

// closeEpochs ends the epoch of every position of accountID that was open
// on the previous scan and is gone now.
func (d *DCAMonitor) closeEpochs(ctx context.Context, accountID string, seen map[string]bool) {
	prefix := accountID + "|"
	var gone []string
	d.positions.Range(func(k, _ any) bool {
		key := k.(string)
		if strings.HasPrefix(key, prefix) && !seen[key] {
			gone = append(gone, key)
			d.positions.Delete(key)
		}
		return true
	})

	for _, key := range gone {
		symbol, side := splitKey(key, prefix)
		if err := d.counter.EndEpoch(ctx, accountID, symbol, side); err != nil {
			d.logger.WarnContext(ctx, "dca: end epoch failed", slog.String("position", key), slog.String("error", err.Error()))
		}
	}
}

func splitKey(key, prefix string) (string, domain.PositionSide) {
	rest := strings.TrimPrefix(key, prefix)
	i := strings.LastIndexByte(rest, '|')
	if i < 0 {
		return rest, ""
	}
	return rest[:i], domain.PositionSide(rest[i+1:])
}

// MemoryCounter is an in-process DCACounter. Counts reset on restart.
type MemoryCounter struct {
	entries sync.Map // position key -> *counterEntry
	seq     atomic.Int64
}

type counterEntry struct {
	mu    sync.Mutex
	id    string
	count int
}

// NewMemoryCounter returns an empty counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{}
}

func (c *MemoryCounter) Epoch(_ context.Context, accountID, symbol string, side domain.PositionSide) (string, error) {
	key := positionKey(accountID, symbol, side)
	v, _ := c.entries.LoadOrStore(key, &counterEntry{})
	e := v.(*counterEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.id == "" {
		e.id = fmt.Sprintf("%s#%d", key, c.seq.Add(1))
	}
	return e.id, nil
}

func (c *MemoryCounter) EndEpoch(_ context.Context, accountID, symbol string, side domain.PositionSide) error {
	c.entries.Delete(positionKey(accountID, symbol, side))
	return nil
}

// lookup returns the live entry of epoch, or nil once the epoch has ended.
func (c *MemoryCounter) lookup(epoch string) *counterEntry {
	i := strings.LastIndexByte(epoch, '#')
	if i < 0 {
		return nil
	}
	v, ok := c.entries.Load(epoch[:i])
	if !ok {
		return nil
	}
	return v.(*counterEntry)
}

func (c *MemoryCounter) Count(_ context.Context, epoch string) (int, error) {
	e := c.lookup(epoch)
	if e == nil {
		return 0, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.id != epoch {
		return 0, nil
	}
	return e.count, nil
}

// Increment counts one order against epoch. An ended epoch counts nothing.
func (c *MemoryCounter) Increment(_ context.Context, epoch string) (int, error) {
	e := c.lookup(epoch)
	if e == nil {
		return 0, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.id != epoch {
		return 0, nil
	}
	e.count++
	return e.count, nil
}

var _ domain.DCACounter = (*MemoryCounter)(nil)
