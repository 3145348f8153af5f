package domain

import "time"

// EventType classifies an outbound notification.
type EventType string

const (
	EventExecution      EventType = "execution"
	EventError          EventType = "error"
	EventGuardrailPause EventType = "guardrail_pause"
	EventDCATriggered   EventType = "dca_triggered"
	EventTrailingStop   EventType = "trailing_stop"
	EventPanicClose     EventType = "panic_close"
	EventWhaleAlert     EventType = "whale_alert"
	EventSystem         EventType = "system"
)

// Severity orders events for filtering.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rank returns a comparable weight for s.
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// Event is a structured notification for the external notification layer.
// AccountID is nil for system-wide events.
type Event struct {
	Type      EventType      `json:"type"`
	Severity  Severity       `json:"severity"`
	AccountID *string        `json:"account_id"`
	Symbol    string         `json:"symbol,omitempty"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Time      time.Time      `json:"time"`
}

// AccountRef returns a pointer suitable for Event.AccountID.
func AccountRef(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

// EventsChannel is the pub/sub channel every event is published on.
const EventsChannel = "copybot:events"

// EventSink receives events without blocking the caller.
type EventSink interface {
	Emit(evt Event)
}
