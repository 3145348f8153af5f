// Package monitor runs the background loops that act on open positions: DCA
// averaging, the trailing stop-loss and the daily risk guardrails. Each loop
// is independent, owns its ticker and stops with its context. None of them
// holds a lock across an exchange call.
package monitor

import (
	"context"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/registry"
)

// Roster is the registry read path the monitors share.
type Roster interface {
	Members() []registry.Member
}

// Executor runs a synthesized signal for one account.
type Executor interface {
	ExecuteFor(ctx context.Context, m registry.Member, sig domain.Signal) domain.ExecutionResult
}

// Closer closes an account's whole position in a symbol.
type Closer interface {
	ClosePosition(ctx context.Context, m registry.Member, symbol, reason string) domain.ExecutionResult
}

// callTimeout bounds a single exchange call made from a monitor tick.
const callTimeout = 10 * time.Second

func positionKey(accountID, symbol string, side domain.PositionSide) string {
	return accountID + "|" + symbol + "|" + string(side)
}

func emit(sink domain.EventSink, evt domain.Event) {
	if sink == nil {
		return
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}
	sink.Emit(evt)
}
