// Package queue holds the in-process signal queue and the fallback wrapper
// that keeps intake alive while Redis is unreachable.
package queue

import (
	"context"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// Memory is a bounded in-process FIFO.
type Memory struct {
	ch          chan domain.Signal
	enqueueWait time.Duration
}

// NewMemory creates a queue holding up to size signals. Enqueue waits at most
// enqueueWait for room before failing with domain.ErrQueueFull.
func NewMemory(size int, enqueueWait time.Duration) *Memory {
	if size < 1 {
		size = 1
	}
	return &Memory{ch: make(chan domain.Signal, size), enqueueWait: enqueueWait}
}

// Enqueue adds sig, or returns domain.ErrQueueFull once the wait bound passes.
func (m *Memory) Enqueue(ctx context.Context, sig domain.Signal) error {
	select {
	case m.ch <- sig:
		return nil
	default:
	}
	if m.enqueueWait <= 0 {
		return domain.ErrQueueFull
	}
	timer := time.NewTimer(m.enqueueWait)
	defer timer.Stop()
	select {
	case m.ch <- sig:
		return nil
	case <-timer.C:
		return domain.ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue waits up to timeout for a signal.
func (m *Memory) Dequeue(ctx context.Context, timeout time.Duration) (domain.Signal, error) {
	select {
	case sig := <-m.ch:
		return sig, nil
	default:
	}
	if timeout <= 0 {
		return domain.Signal{}, domain.ErrQueueEmpty
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case sig := <-m.ch:
		return sig, nil
	case <-timer.C:
		return domain.Signal{}, domain.ErrQueueEmpty
	case <-ctx.Done():
		return domain.Signal{}, ctx.Err()
	}
}

// Len returns the number of buffered signals.
func (m *Memory) Len(context.Context) (int64, error) {
	return int64(len(m.ch)), nil
}

var _ domain.SignalQueue = (*Memory)(nil)
