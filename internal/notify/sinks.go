package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// BusSink publishes every event as JSON on a pub/sub channel, which feeds
// the websocket hub and any other process watching the engine.
type BusSink struct {
	bus     domain.EventBus
	channel string
}

// NewBusSink publishes to channel on bus.
func NewBusSink(bus domain.EventBus, channel string) *BusSink {
	return &BusSink{bus: bus, channel: channel}
}

func (s *BusSink) Name() string { return "bus" }

func (s *BusSink) Deliver(ctx context.Context, evt domain.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}
	if err := s.bus.Publish(ctx, s.channel, payload); err != nil {
		return fmt.Errorf("notify: publish %s: %w", s.channel, err)
	}
	return nil
}

// AuditSink appends events at or above a severity to the audit log.
type AuditSink struct {
	store       domain.AuditStore
	minSeverity domain.Severity
}

// NewAuditSink records events of minSeverity and above.
func NewAuditSink(store domain.AuditStore, minSeverity domain.Severity) *AuditSink {
	return &AuditSink{store: store, minSeverity: minSeverity}
}

func (s *AuditSink) Name() string { return "audit" }

func (s *AuditSink) Deliver(ctx context.Context, evt domain.Event) error {
	if evt.Severity.Rank() < s.minSeverity.Rank() {
		return nil
	}
	detail := map[string]any{
		"severity": evt.Severity,
		"message":  evt.Message,
		"time":     evt.Time,
	}
	if evt.AccountID != nil {
		detail["account_id"] = *evt.AccountID
	}
	if evt.Symbol != "" {
		detail["symbol"] = evt.Symbol
	}
	if len(evt.Data) > 0 {
		detail["data"] = evt.Data
	}
	if err := s.store.Log(ctx, "event."+string(evt.Type), detail); err != nil {
		return fmt.Errorf("notify: audit: %w", err)
	}
	return nil
}
