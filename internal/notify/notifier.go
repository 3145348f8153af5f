// Package notify delivers engine events to operators. Producers hand events
// to an Emitter without blocking; its worker fans them out to sinks such as
// chat senders, the Redis event bus and the audit log.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// Sender is the interface that each chat channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches events to one or more Senders. Only events whose type
// is in the allowed set and whose severity reaches the minimum are sent.
type Notifier struct {
	senders     []Sender
	events      map[domain.EventType]bool // allowed event types
	minSeverity domain.Severity
	logger      *slog.Logger
}

var _ Sink = (*Notifier)(nil)

// NewNotifier creates a Notifier that will deliver to the given senders. If
// events is empty, all event types are allowed.
func NewNotifier(senders []Sender, events []string, minSeverity domain.Severity, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventType(e)] = true
		}
	}
	return &Notifier{
		senders:     senders,
		events:      allowed,
		minSeverity: minSeverity,
		logger:      logger.With(slog.String("component", "notifier")),
	}
}

func (n *Notifier) Name() string { return "chat" }

// Accepts reports whether evt passes the type and severity filters.
func (n *Notifier) Accepts(evt domain.Event) bool {
	if len(n.events) > 0 && !n.events[evt.Type] {
		return false
	}
	return evt.Severity.Rank() >= n.minSeverity.Rank()
}

// Deliver formats evt and sends it if it passes the filters.
func (n *Notifier) Deliver(ctx context.Context, evt domain.Event) error {
	if !n.Accepts(evt) {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("type", string(evt.Type)),
			slog.String("severity", string(evt.Severity)),
		)
		return nil
	}
	title, body := Format(evt)
	return n.dispatch(ctx, title, body)
}

// NotifyAll sends a message to all senders regardless of filters.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// Format renders evt as a chat title and body.
func Format(evt domain.Event) (title, body string) {
	title = fmt.Sprintf("[%s] %s", strings.ToUpper(string(evt.Severity)), evt.Type)
	var b strings.Builder
	b.WriteString(evt.Message)
	if evt.AccountID != nil {
		fmt.Fprintf(&b, "\naccount: %s", *evt.AccountID)
	}
	if evt.Symbol != "" {
		fmt.Fprintf(&b, "\nsymbol: %s", evt.Symbol)
	}
	if !evt.Time.IsZero() {
		fmt.Fprintf(&b, "\nat: %s", evt.Time.UTC().Format("2006-01-02 15:04:05Z"))
	}
	return title, b.String()
}

// dispatch sends to every sender. A single sender failure does not prevent
// delivery to the remaining senders.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
