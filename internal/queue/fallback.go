package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// Backend names where an accepted signal was stored.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Receipt acknowledges an accepted signal.
type Receipt struct {
	SignalID string `json:"signal_id"`
	Backend  string `json:"backend"`
	Degraded bool   `json:"degraded"`
}

// Fallback puts signals on the primary queue and, when it cannot, on an
// in-process Memory queue. Delivery is at least once.
type Fallback struct {
	primary     domain.SignalQueue // nil when no durable queue is configured
	memory      *Memory
	enqueueWait time.Duration
	logger      *slog.Logger

	degraded atomic.Bool
}

// NewFallback wires primary (may be nil) in front of memory. enqueueWait
// bounds each primary write.
func NewFallback(primary domain.SignalQueue, memory *Memory, enqueueWait time.Duration, logger *slog.Logger) *Fallback {
	return &Fallback{
		primary:     primary,
		memory:      memory,
		enqueueWait: enqueueWait,
		logger:      logger.With(slog.String("component", "signal_queue")),
	}
}

// Submit stores sig and reports which backend took it. An error means the
// signal was not accepted anywhere.
func (f *Fallback) Submit(ctx context.Context, sig domain.Signal) (Receipt, error) {
	if f.primary != nil {
		pctx := ctx
		if f.enqueueWait > 0 {
			var cancel context.CancelFunc
			pctx, cancel = context.WithTimeout(ctx, f.enqueueWait)
			defer cancel()
		}
		err := f.primary.Enqueue(pctx, sig)
		if err == nil {
			f.markHealthy(ctx)
			return Receipt{SignalID: sig.ID, Backend: BackendRedis}, nil
		}
		f.markDegraded(ctx, err)
	}

	if err := f.memory.Enqueue(ctx, sig); err != nil {
		return Receipt{}, fmt.Errorf("queue: enqueue %s: %w", sig.ID, err)
	}
	return Receipt{SignalID: sig.ID, Backend: BackendMemory, Degraded: f.primary != nil}, nil
}

// Enqueue implements domain.SignalQueue.
func (f *Fallback) Enqueue(ctx context.Context, sig domain.Signal) error {
	_, err := f.Submit(ctx, sig)
	return err
}

// Dequeue drains the memory backlog first, then waits on the primary. While
// the primary is failing it waits on memory instead. An undecodable message
// popped from the primary is logged with its payload and reported as
// domain.ErrQueueEmpty; it does not mark the primary degraded.
func (f *Fallback) Dequeue(ctx context.Context, timeout time.Duration) (domain.Signal, error) {
	if sig, err := f.memory.Dequeue(ctx, 0); err == nil {
		return sig, nil
	}
	if f.primary == nil {
		return f.memory.Dequeue(ctx, timeout)
	}

	sig, err := f.primary.Dequeue(ctx, timeout)
	switch {
	case err == nil:
		f.markHealthy(ctx)
		return sig, nil
	case errors.Is(err, domain.ErrQueueEmpty):
		return domain.Signal{}, err
	case ctx.Err() != nil:
		return domain.Signal{}, ctx.Err()
	}
	var perr *domain.PayloadError
	if errors.As(err, &perr) {
		f.markHealthy(ctx)
		f.logger.ErrorContext(ctx, "queue: dropped undecodable signal",
			slog.String("payload", truncate(perr.Raw, maxLoggedPayload)),
			slog.String("error", perr.Err.Error()),
		)
		return domain.Signal{}, fmt.Errorf("queue: %w", domain.ErrQueueEmpty)
	}
	f.markDegraded(ctx, err)
	return f.memory.Dequeue(ctx, timeout)
}

// Len sums both backends. A primary error counts as zero.
func (f *Fallback) Len(ctx context.Context) (int64, error) {
	n, _ := f.memory.Len(ctx)
	if f.primary != nil {
		if p, err := f.primary.Len(ctx); err == nil {
			n += p
		}
	}
	return n, nil
}

// Degraded reports whether the last primary operation failed.
func (f *Fallback) Degraded() bool { return f.degraded.Load() }

func (f *Fallback) markDegraded(ctx context.Context, err error) {
	if !f.degraded.Swap(true) {
		f.logger.WarnContext(ctx, "queue: primary unavailable, using memory",
			slog.String("error", err.Error()),
		)
	}
}

func (f *Fallback) markHealthy(ctx context.Context) {
	if f.degraded.Swap(false) {
		f.logger.InfoContext(ctx, "queue: primary recovered")
	}
}

// maxLoggedPayload bounds the payload bytes written to the log.
const maxLoggedPayload = 1024

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ domain.SignalQueue = (*Fallback)(nil)
