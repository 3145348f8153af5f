package notify

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// Sink is one delivery target for events.
type Sink interface {
	Deliver(ctx context.Context, evt domain.Event) error
	Name() string
}

const deliverTimeout = 10 * time.Second

// Emitter decouples event producers from delivery. Emit never blocks: when
// the buffer is full the event is dropped and counted.
type Emitter struct {
	ch      chan domain.Event
	sinks   []Sink
	dropped atomic.Int64
	logger  *slog.Logger
}

var _ domain.EventSink = (*Emitter)(nil)

// NewEmitter creates an Emitter with room for buffer pending events.
func NewEmitter(buffer int, sinks []Sink, logger *slog.Logger) *Emitter {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Emitter{
		ch:     make(chan domain.Event, buffer),
		sinks:  sinks,
		logger: logger.With(slog.String("component", "emitter")),
	}
}

// Emit queues evt for delivery.
func (e *Emitter) Emit(evt domain.Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}
	select {
	case e.ch <- evt:
	default:
		n := e.dropped.Add(1)
		// log on the 1st, 2nd, 4th, 8th... drop
		if n&(n-1) == 0 {
			e.logger.Warn("notify: event buffer full, dropping",
				slog.String("type", string(evt.Type)),
				slog.Int64("dropped_total", n),
			)
		}
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (e *Emitter) Dropped() int64 { return e.dropped.Load() }

// Pending returns the number of buffered events.
func (e *Emitter) Pending() int { return len(e.ch) }

// Run delivers events until ctx is cancelled, then flushes what is already
// buffered.
func (e *Emitter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			e.flush(context.WithoutCancel(ctx))
			return ctx.Err()
		case evt := <-e.ch:
			e.deliver(ctx, evt)
		}
	}
}

func (e *Emitter) flush(ctx context.Context) {
	for {
		select {
		case evt := <-e.ch:
			e.deliver(ctx, evt)
		default:
			return
		}
	}
}

func (e *Emitter) deliver(ctx context.Context, evt domain.Event) {
	for _, s := range e.sinks {
		dctx, cancel := context.WithTimeout(ctx, deliverTimeout)
		err := s.Deliver(dctx, evt)
		cancel()
		if err != nil {
			e.logger.WarnContext(ctx, "notify: sink failed",
				slog.String("sink", s.Name()),
				slog.String("type", string(evt.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
}
