package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/killswitch"
	"github.com/alanyoungcy/copybot/internal/registry"
)

// Registry is the part of the account registry the admin surface drives.
type Registry interface {
	Load(ctx context.Context) (registry.LoadReport, error)
	Members() []registry.Member
	Get(id string) (registry.Member, bool)
	SetTradingEnabled(ctx context.Context, id string, enabled bool) error
	LoadedAt() time.Time
}

// TradingSwitch is the engine's global pause flag.
type TradingSwitch interface {
	Pause()
	Resume()
	Paused() bool
}

// PanicCloser force-closes every position.
type PanicCloser interface {
	CloseAll(ctx context.Context) (killswitch.Tally, error)
}

// GuardrailBook exposes the daily guardrail states.
type GuardrailBook interface {
	ResetDaily() int
	States() []domain.GuardrailState
}

// QueueStatus reports signal queue depth and health.
type QueueStatus interface {
	Len(ctx context.Context) (int64, error)
	Degraded() bool
}

// AccountStatus is one roster entry as reported by Status.
type AccountStatus struct {
	ID             string              `json:"id"`
	Label          string              `json:"label,omitempty"`
	Role           domain.Role         `json:"role"`
	Exchange       domain.ExchangeKind `json:"exchange"`
	TradingEnabled bool                `json:"trading_enabled"`
	FlaggedReason  string              `json:"flagged_reason,omitempty"`
	GuardrailPause bool                `json:"guardrail_paused"`
}

// Status is a point-in-time view of the running engine.
type Status struct {
	Mode          string                  `json:"mode"`
	TradingPaused bool                    `json:"trading_paused"`
	QueueDepth    int64                   `json:"queue_depth"`
	QueueDegraded bool                    `json:"queue_degraded"`
	Masters       int                     `json:"masters"`
	Slaves        int                     `json:"slaves"`
	Accounts      []AccountStatus         `json:"accounts"`
	Guardrails    []domain.GuardrailState `json:"guardrails"`
	LoadedAt      time.Time               `json:"loaded_at"`
	StartedAt     time.Time               `json:"started_at"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
}

// AdminService implements the operator controls. Every operation is
// idempotent and audited.
type AdminService struct {
	mode    string
	reg     Registry
	trading TradingSwitch
	closer  PanicCloser
	guard   GuardrailBook // optional
	queue   QueueStatus   // optional
	audit   domain.AuditStore
	sink    domain.EventSink
	logger  *slog.Logger

	startedAt time.Time
	now       func() time.Time
}

// AdminDeps collects the AdminService collaborators. Guard, Queue, Audit and
// Sink may be nil.
type AdminDeps struct {
	Mode     string
	Registry Registry
	Trading  TradingSwitch
	Panic    PanicCloser
	Guard    GuardrailBook
	Queue    QueueStatus
	Audit    domain.AuditStore
	Sink     domain.EventSink
}

// NewAdminService creates an AdminService.
func NewAdminService(deps AdminDeps, logger *slog.Logger) *AdminService {
	return &AdminService{
		mode:      deps.Mode,
		reg:       deps.Registry,
		trading:   deps.Trading,
		closer:    deps.Panic,
		guard:     deps.Guard,
		queue:     deps.Queue,
		audit:     deps.Audit,
		sink:      deps.Sink,
		logger:    logger.With(slog.String("component", "admin")),
		startedAt: time.Now().UTC(),
		now:       time.Now,
	}
}

// Reload re-reads the account roster.
func (s *AdminService) Reload(ctx context.Context) (registry.LoadReport, error) {
	report, err := s.reg.Load(ctx)
	if err != nil {
		return registry.LoadReport{}, fmt.Errorf("admin_service: reload: %w", err)
	}
	s.record(ctx, "admin.reload", map[string]any{
		"masters": report.Masters,
		"slaves":  report.Slaves,
		"failed":  len(report.Failed),
	})
	s.notify(domain.SeverityInfo, nil, fmt.Sprintf("roster reloaded: %d masters, %d slaves, %d failed",
		report.Masters, report.Slaves, len(report.Failed)))
	return report, nil
}

// PauseTrading engages the global pause.
func (s *AdminService) PauseTrading(ctx context.Context) {
	already := s.trading.Paused()
	s.trading.Pause()
	if already {
		return
	}
	s.record(ctx, "admin.trading_paused", nil)
	s.notify(domain.SeverityWarning, nil, "trading paused by operator")
}

// ResumeTrading lifts the global pause.
func (s *AdminService) ResumeTrading(ctx context.Context) {
	if !s.trading.Paused() {
		return
	}
	s.trading.Resume()
	s.record(ctx, "admin.trading_resumed", nil)
	s.notify(domain.SeverityInfo, nil, "trading resumed by operator")
}

// PauseAccount disables trading for one account.
func (s *AdminService) PauseAccount(ctx context.Context, id string) error {
	return s.setAccount(ctx, id, false)
}

// ResumeAccount re-enables trading for one account and clears its review
// flag.
func (s *AdminService) ResumeAccount(ctx context.Context, id string) error {
	return s.setAccount(ctx, id, true)
}

func (s *AdminService) setAccount(ctx context.Context, id string, enabled bool) error {
	m, ok := s.reg.Get(id)
	if !ok {
		return fmt.Errorf("admin_service: account %s: %w", id, domain.ErrNotFound)
	}
	if m.Account.TradingEnabled == enabled && (!enabled || m.Account.FlaggedReason == "") {
		return nil
	}
	if err := s.reg.SetTradingEnabled(ctx, id, enabled); err != nil {
		return fmt.Errorf("admin_service: set trading %s: %w", id, err)
	}
	event, msg, sev := "admin.account_paused", "account paused by operator", domain.SeverityWarning
	if enabled {
		event, msg, sev = "admin.account_resumed", "account resumed by operator", domain.SeverityInfo
	}
	s.record(ctx, event, map[string]any{"account_id": id})
	s.notify(sev, domain.AccountRef(id), msg)
	return nil
}

// Panic force-closes every position on every account. A sweep already
// running elsewhere surfaces as domain.ErrLockHeld.
func (s *AdminService) Panic(ctx context.Context) (killswitch.Tally, error) {
	tally, err := s.closer.CloseAll(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return killswitch.Tally{}, err
		}
		return tally, fmt.Errorf("admin_service: panic: %w", err)
	}
	s.record(ctx, "admin.panic", map[string]any{
		"panic_id":      tally.ID,
		"master_closed": tally.MasterClosed,
		"slaves_closed": tally.SlavesClosed,
		"master_errors": tally.MasterErrors,
		"slave_errors":  tally.SlaveErrors,
	})
	return tally, nil
}

// ResetGuardrails clears every guardrail pause before the UTC midnight
// reset. It returns the number of pauses cleared.
func (s *AdminService) ResetGuardrails(ctx context.Context) int {
	if s.guard == nil {
		return 0
	}
	n := s.guard.ResetDaily()
	s.record(ctx, "admin.guardrails_reset", map[string]any{"cleared": n})
	if n > 0 {
		s.notify(domain.SeverityInfo, nil, fmt.Sprintf("guardrails reset by operator: %d accounts resumed", n))
	}
	return n
}

// Status reports the engine state.
func (s *AdminService) Status(ctx context.Context) Status {
	now := s.now().UTC()
	st := Status{
		Mode:          s.mode,
		TradingPaused: s.trading.Paused(),
		LoadedAt:      s.reg.LoadedAt(),
		StartedAt:     s.startedAt,
		UptimeSeconds: int64(now.Sub(s.startedAt).Seconds()),
	}
	if s.queue != nil {
		st.QueueDegraded = s.queue.Degraded()
		n, err := s.queue.Len(ctx)
		if err != nil {
			s.logger.WarnContext(ctx, "admin_service: queue length failed", slog.String("error", err.Error()))
		}
		st.QueueDepth = n
	}

	paused := map[string]bool{}
	if s.guard != nil {
		st.Guardrails = s.guard.States()
		day := now.Format(time.DateOnly)
		for _, g := range st.Guardrails {
			if g.Paused && g.Day == day {
				paused[g.AccountID] = true
			}
		}
	}

	members := s.reg.Members()
	st.Accounts = make([]AccountStatus, 0, len(members))
	for _, m := range members {
		a := m.Account
		if a.IsMaster() {
			st.Masters++
		} else {
			st.Slaves++
		}
		st.Accounts = append(st.Accounts, AccountStatus{
			ID:             a.ID,
			Label:          a.Label,
			Role:           a.Role,
			Exchange:       a.Exchange,
			TradingEnabled: a.TradingEnabled,
			FlaggedReason:  a.FlaggedReason,
			GuardrailPause: paused[a.ID],
		})
	}
	return st
}

func (s *AdminService) record(ctx context.Context, event string, detail map[string]any) {
	s.logger.InfoContext(ctx, "admin_service: "+event)
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "admin_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *AdminService) notify(sev domain.Severity, account *string, msg string) {
	if s.sink == nil {
		return
	}
	s.sink.Emit(domain.Event{
		Type:      domain.EventSystem,
		Severity:  sev,
		AccountID: account,
		Message:   msg,
		Time:      s.now().UTC(),
	})
}
