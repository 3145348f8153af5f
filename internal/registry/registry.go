// Package registry holds the live roster of master and slave accounts with
// the exchange adapter built for each. Readers get point-in-time copies; a
// reload publishes a new immutable roster without disturbing work already
// dispatched against the previous one.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// Member is an account together with the adapter it trades through. A task
// keeps the Member it was handed for its whole lifetime.
type Member struct {
	Account  domain.Account
	Exchange domain.Exchange
}

// AdapterFactory builds an exchange adapter for an account.
type AdapterFactory interface {
	New(acct domain.Account) (domain.Exchange, error)
}

// SecretOpener decrypts sealed credentials read from the store.
type SecretOpener interface {
	OpenCredentials(c domain.Credentials) (domain.Credentials, error)
}

// LoadFailure is one account excluded from a load.
type LoadFailure struct {
	AccountID string `json:"account_id"`
	Reason    string `json:"reason"`
}

// LoadReport summarizes a load.
type LoadReport struct {
	Masters  int           `json:"masters"`
	Slaves   int           `json:"slaves"`
	Failed   []LoadFailure `json:"failed,omitempty"`
	LoadedAt time.Time     `json:"loaded_at"`
}

type roster struct {
	members  []Member // masters first, then slaves, each sorted by id
	byID     map[string]int
	loadedAt time.Time
}

func newRoster(members []Member, at time.Time) *roster {
	sort.SliceStable(members, func(i, j int) bool {
		mi, mj := members[i].Account.IsMaster(), members[j].Account.IsMaster()
		if mi != mj {
			return mi
		}
		return members[i].Account.ID < members[j].Account.ID
	})
	r := &roster{members: members, byID: make(map[string]int, len(members)), loadedAt: at}
	for i, m := range members {
		r.byID[m.Account.ID] = i
	}
	return r
}

// Registry is safe for concurrent use.
type Registry struct {
	store           domain.AccountStore
	factory         AdapterFactory
	opener          SecretOpener
	defaultStrategy string
	logger          *slog.Logger

	current atomic.Pointer[roster]
	group   singleflight.Group
	writeMu sync.Mutex // serializes roster publication

	// Toggles applied while a load is reading the store. The load replays
	// them onto the roster it publishes. Guarded by writeMu.
	loading bool
	journal []toggle
}

type toggle struct {
	id string
	fn func(*domain.Account)
}

// Option configures a Registry.
type Option func(*Registry)

// WithSecretOpener decrypts credentials before adapters are built.
func WithSecretOpener(o SecretOpener) Option {
	return func(r *Registry) { r.opener = o }
}

// WithDefaultStrategy names the strategy unsubscribed slaves follow.
func WithDefaultStrategy(id string) Option {
	return func(r *Registry) { r.defaultStrategy = id }
}

// New creates an empty registry. Call Load before use.
func New(store domain.AccountStore, factory AdapterFactory, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:   store,
		factory: factory,
		logger:  logger.With(slog.String("component", "registry")),
	}
	for _, o := range opts {
		o(r)
	}
	r.current.Store(newRoster(nil, time.Time{}))
	return r
}

// DefaultStrategy returns the strategy applied to signals without one.
func (r *Registry) DefaultStrategy() string { return r.defaultStrategy }

// Load re-reads every active account and publishes a fresh roster.
// Accounts whose adapter cannot be built are logged and excluded; the load
// only fails when the store itself cannot be read. Concurrent calls share
// one reload.
func (r *Registry) Load(ctx context.Context) (LoadReport, error) {
	v, err, _ := r.group.Do("load", func() (any, error) {
		return r.load(ctx)
	})
	if err != nil {
		return LoadReport{}, err
	}
	return v.(LoadReport), nil
}

func (r *Registry) load(ctx context.Context) (LoadReport, error) {
	r.writeMu.Lock()
	r.loading, r.journal = true, nil
	r.writeMu.Unlock()
	defer func() {
		r.writeMu.Lock()
		r.loading, r.journal = false, nil
		r.writeMu.Unlock()
	}()

	accounts, err := r.store.ListActive(ctx)
	if err != nil {
		return LoadReport{}, fmt.Errorf("registry: list accounts: %w", err)
	}

	report := LoadReport{LoadedAt: time.Now().UTC()}
	members := make([]Member, 0, len(accounts))
	seen := make(map[string]bool, len(accounts))
	for _, acct := range accounts {
		if seen[acct.ID] {
			report.Failed = append(report.Failed, LoadFailure{AccountID: acct.ID, Reason: "duplicate account id"})
			continue
		}
		seen[acct.ID] = true

		m, err := r.build(acct)
		if err != nil {
			r.logger.WarnContext(ctx, "registry: account excluded",
				slog.String("account_id", acct.ID),
				slog.String("exchange", string(acct.Exchange)),
				slog.String("error", err.Error()),
			)
			report.Failed = append(report.Failed, LoadFailure{AccountID: acct.ID, Reason: err.Error()})
			continue
		}
		if m.Account.IsMaster() {
			report.Masters++
		} else {
			report.Slaves++
		}
		members = append(members, m)
	}

	r.writeMu.Lock()
	next := newRoster(members, report.LoadedAt)
	for _, t := range r.journal {
		if i, ok := next.byID[t.id]; ok {
			t.fn(&next.members[i].Account)
		}
	}
	r.current.Store(next)
	r.loading, r.journal = false, nil
	r.writeMu.Unlock()

	r.logger.InfoContext(ctx, "registry: loaded",
		slog.Int("masters", report.Masters),
		slog.Int("slaves", report.Slaves),
		slog.Int("failed", len(report.Failed)),
	)
	return report, nil
}

func (r *Registry) build(acct domain.Account) (Member, error) {
	if err := acct.Validate(); err != nil {
		return Member{}, err
	}
	if r.opener != nil {
		creds, err := r.opener.OpenCredentials(acct.Credentials)
		if err != nil {
			return Member{}, fmt.Errorf("open credentials: %w", err)
		}
		acct.Credentials = creds
	}
	ex, err := r.factory.New(acct)
	if err != nil {
		return Member{}, err
	}
	return Member{Account: acct.Clone(), Exchange: ex}, nil
}

func (r *Registry) snapshot(keep func(domain.Account) bool) []Member {
	cur := r.current.Load()
	out := make([]Member, 0, len(cur.members))
	for _, m := range cur.members {
		if keep(m.Account) {
			out = append(out, Member{Account: m.Account.Clone(), Exchange: m.Exchange})
		}
	}
	return out
}

// Members returns every loaded account.
func (r *Registry) Members() []Member {
	return r.snapshot(func(domain.Account) bool { return true })
}

// Masters returns every master account, one per exchange at most in a
// typical deployment.
func (r *Registry) Masters() []Member {
	return r.snapshot(domain.Account.IsMaster)
}

// Master returns the master trading on kind.
func (r *Registry) Master(kind domain.ExchangeKind) (Member, bool) {
	for _, m := range r.Masters() {
		if m.Account.Exchange == kind {
			return m, true
		}
	}
	return Member{}, false
}

// Slaves returns every slave account.
func (r *Registry) Slaves() []Member {
	return r.snapshot(func(a domain.Account) bool { return !a.IsMaster() })
}

// SlavesForStrategy returns active slaves subscribed to strategyID. An empty
// id means the default strategy.
func (r *Registry) SlavesForStrategy(strategyID string) []Member {
	if strategyID == "" {
		strategyID = r.defaultStrategy
	}
	return r.snapshot(func(a domain.Account) bool {
		if a.IsMaster() || !a.Active {
			return false
		}
		_, ok := a.AllocationFor(strategyID, r.defaultStrategy)
		return ok
	})
}

// Get returns the member with the given account id.
func (r *Registry) Get(id string) (Member, bool) {
	cur := r.current.Load()
	i, ok := cur.byID[id]
	if !ok {
		return Member{}, false
	}
	m := cur.members[i]
	return Member{Account: m.Account.Clone(), Exchange: m.Exchange}, true
}

// LoadedAt returns when the current roster was published.
func (r *Registry) LoadedAt() time.Time {
	return r.current.Load().loadedAt
}

// SetTradingEnabled persists the flag and publishes a roster copy with it
// applied. Enabling also clears a review flag.
func (r *Registry) SetTradingEnabled(ctx context.Context, id string, enabled bool) error {
	if _, ok := r.Get(id); !ok {
		return fmt.Errorf("registry: account %s: %w", id, domain.ErrNotFound)
	}
	if err := r.store.SetTradingEnabled(ctx, id, enabled); err != nil {
		return fmt.Errorf("registry: set trading enabled %s: %w", id, err)
	}
	r.update(id, func(a *domain.Account) {
		a.TradingEnabled = enabled
		if enabled {
			a.FlaggedReason = ""
		}
	})
	r.logger.InfoContext(ctx, "registry: trading toggled",
		slog.String("account_id", id),
		slog.Bool("enabled", enabled),
	)
	return nil
}

// FlagForReview disables trading for the account until an admin resumes it.
func (r *Registry) FlagForReview(ctx context.Context, id, reason string) error {
	if _, ok := r.Get(id); !ok {
		return fmt.Errorf("registry: account %s: %w", id, domain.ErrNotFound)
	}
	if err := r.store.FlagForReview(ctx, id, reason); err != nil {
		return fmt.Errorf("registry: flag %s: %w", id, err)
	}
	r.update(id, func(a *domain.Account) {
		a.TradingEnabled = false
		a.FlaggedReason = reason
	})
	r.logger.WarnContext(ctx, "registry: account flagged for review",
		slog.String("account_id", id),
		slog.String("reason", reason),
	)
	return nil
}

// update publishes a copy of the current roster with fn applied to one
// account. Adapters are shared with the previous roster.
func (r *Registry) update(id string, fn func(*domain.Account)) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if r.loading {
		r.journal = append(r.journal, toggle{id: id, fn: fn})
	}

	cur := r.current.Load()
	i, ok := cur.byID[id]
	if !ok {
		return
	}
	members := make([]Member, len(cur.members))
	copy(members, cur.members)
	acct := members[i].Account.Clone()
	fn(&acct)
	members[i].Account = acct

	next := &roster{members: members, byID: cur.byID, loadedAt: cur.loadedAt}
	r.current.Store(next)
}
