// Package killswitch force-closes every open position on every account. It
// bypasses the signal queue and talks to the adapters directly so it keeps
// working while the queue or a monitor is degraded.
package killswitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/exchange"
	"github.com/alanyoungcy/copybot/internal/registry"
)

// LockKey serializes panic sweeps across processes.
const LockKey = "panic_close"

// Roster lists every account to sweep.
type Roster interface {
	Members() []registry.Member
}

// Pauser stops new signal execution.
type Pauser interface {
	Pause()
}

// AccountTally is the outcome for one account.
type AccountTally struct {
	AccountID string              `json:"account_id"`
	Role      domain.Role         `json:"role"`
	Exchange  domain.ExchangeKind `json:"exchange"`
	Closed    int                 `json:"closed"`
	Errors    []string            `json:"errors,omitempty"`
}

// Tally summarizes a sweep.
type Tally struct {
	ID           string         `json:"id"`
	MasterClosed int            `json:"master_closed"`
	SlavesClosed int            `json:"slaves_closed"`
	MasterErrors int            `json:"master_errors"`
	SlaveErrors  int            `json:"slave_errors"`
	Accounts     []AccountTally `json:"accounts"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
}

// Config tunes the sweep.
type Config struct {
	Concurrency int
	Retries     int
	RetryBase   time.Duration
	LockTTL     time.Duration
}

// Controller runs panic sweeps.
type Controller struct {
	cfg    Config
	roster Roster
	pauser Pauser             // optional
	locks  domain.LockManager // optional
	sink   domain.EventSink   // optional
	logger *slog.Logger
}

// New creates a Controller. pauser, locks and sink may be nil.
func New(cfg Config, roster Roster, pauser Pauser, locks domain.LockManager, sink domain.EventSink, logger *slog.Logger) *Controller {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	return &Controller{
		cfg:    cfg,
		roster: roster,
		pauser: pauser,
		locks:  locks,
		sink:   sink,
		logger: logger.With(slog.String("component", "killswitch")),
	}
}

// CloseAll pauses trading and closes every position on every master and
// slave, waiting for all accounts to finish. One account's failure never
// stops the others. It returns domain.ErrLockHeld if another sweep is
// running; an unreachable lock service does not block the sweep.
func (c *Controller) CloseAll(ctx context.Context) (Tally, error) {
	if c.locks != nil {
		unlock, err := c.locks.Acquire(ctx, LockKey, c.cfg.LockTTL)
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			return Tally{}, fmt.Errorf("killswitch: %w", err)
		case err != nil:
			c.logger.WarnContext(ctx, "killswitch: lock unavailable, sweeping without it",
				slog.String("error", err.Error()),
			)
		default:
			defer unlock()
		}
	}
	if c.pauser != nil {
		c.pauser.Pause()
	}

	t := Tally{ID: uuid.NewString(), StartedAt: time.Now().UTC()}
	members := c.roster.Members()
	c.logger.WarnContext(ctx, "killswitch: closing all positions",
		slog.String("panic_id", t.ID),
		slog.Int("accounts", len(members)),
	)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, m := range members {
		g.Go(func() error {
			at := c.closeAccount(gctx, t.ID, m)
			mu.Lock()
			t.add(at)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	t.FinishedAt = time.Now().UTC()

	c.logger.WarnContext(ctx, "killswitch: sweep finished",
		slog.String("panic_id", t.ID),
		slog.Int("master_closed", t.MasterClosed),
		slog.Int("slaves_closed", t.SlavesClosed),
		slog.Int("master_errors", t.MasterErrors),
		slog.Int("slave_errors", t.SlaveErrors),
		slog.Duration("took", t.FinishedAt.Sub(t.StartedAt)),
	)
	if c.sink != nil {
		c.sink.Emit(domain.Event{
			Type:     domain.EventPanicClose,
			Severity: domain.SeverityCritical,
			Message: fmt.Sprintf("panic close: master closed %d, slaves closed %d, errors %d",
				t.MasterClosed, t.SlavesClosed, t.MasterErrors+t.SlaveErrors),
			Data: map[string]any{
				"panic_id":      t.ID,
				"master_closed": t.MasterClosed,
				"slaves_closed": t.SlavesClosed,
				"master_errors": t.MasterErrors,
				"slave_errors":  t.SlaveErrors,
			},
			Time: t.FinishedAt,
		})
	}
	return t, nil
}

func (t *Tally) add(at AccountTally) {
	t.Accounts = append(t.Accounts, at)
	if at.Role == domain.RoleMaster {
		t.MasterClosed += at.Closed
		t.MasterErrors += len(at.Errors)
		return
	}
	t.SlavesClosed += at.Closed
	t.SlaveErrors += len(at.Errors)
}

func (c *Controller) closeAccount(ctx context.Context, panicID string, m registry.Member) AccountTally {
	acct := m.Account
	at := AccountTally{AccountID: acct.ID, Role: acct.Role, Exchange: acct.Exchange}
	ex := m.Exchange

	var positions []domain.Position
	err := c.retry(ctx, func(ctx context.Context) error {
		var err error
		positions, err = ex.FetchPositions(ctx)
		return err
	})
	if err != nil {
		at.Errors = append(at.Errors, "fetch positions: "+err.Error())
		c.logFailure(ctx, acct.ID, "", err)
		return at
	}

	for _, p := range positions {
		if p.Quantity <= 0 {
			continue
		}
		if err := ex.CancelAllOrders(ctx, p.Symbol); err != nil {
			c.logger.WarnContext(ctx, "killswitch: cancel orders failed",
				slog.String("account_id", acct.ID),
				slog.String("symbol", p.Symbol),
				slog.String("error", err.Error()),
			)
		}
		req := domain.OrderRequest{
			Symbol:        p.Symbol,
			Side:          domain.ExitOrderSide(p.Side),
			Quantity:      p.Quantity,
			ReduceOnly:    true,
			ClientOrderID: exchange.ClientOrderID(panicID, acct.ID, "panic:"+p.Symbol+":"+string(p.Side)),
		}
		err := c.retry(ctx, func(ctx context.Context) error {
			_, err := ex.PlaceOrder(ctx, req)
			return err
		})
		if err != nil {
			at.Errors = append(at.Errors, p.Symbol+": "+err.Error())
			c.logFailure(ctx, acct.ID, p.Symbol, err)
			continue
		}
		at.Closed++
	}
	return at
}

func (c *Controller) retry(ctx context.Context, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || !domain.IsRetryable(err) || attempt >= c.cfg.Retries {
			return err
		}
		timer := time.NewTimer(c.cfg.RetryBase << attempt)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

func (c *Controller) logFailure(ctx context.Context, accountID, symbol string, err error) {
	c.logger.ErrorContext(ctx, "killswitch: close failed",
		slog.String("account_id", accountID),
		slog.String("symbol", symbol),
		slog.String("error_kind", string(domain.KindOf(err))),
		slog.String("error", err.Error()),
	)
}
