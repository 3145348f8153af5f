package domain

import (
	"context"
	"time"
)

// SignalQueue is a FIFO of validated signals awaiting execution.
type SignalQueue interface {
	// Enqueue stores sig or returns an error; it never drops silently.
	Enqueue(ctx context.Context, sig Signal) error
	// Dequeue blocks up to timeout and returns ErrQueueEmpty if nothing
	// arrived.
	Dequeue(ctx context.Context, timeout time.Duration) (Signal, error)
	Len(ctx context.Context) (int64, error)
}

// DCACounter tracks how many averaging orders each position epoch received.
// An epoch spans one continuous lifetime of a position.
type DCACounter interface {
	// Epoch returns the current epoch ID for the position, creating one if
	// none is open.
	Epoch(ctx context.Context, accountID, symbol string, side PositionSide) (string, error)
	// EndEpoch forgets the epoch so the next position starts fresh.
	EndEpoch(ctx context.Context, accountID, symbol string, side PositionSide) error
	Count(ctx context.Context, epoch string) (int, error)
	Increment(ctx context.Context, epoch string) (int, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// EventBus provides pub/sub fan-out of raw payloads.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// MarkCache shares the latest mark prices between processes.
type MarkCache interface {
	SetMark(ctx context.Context, symbol string, price float64, ts time.Time) error
	GetMark(ctx context.Context, symbol string) (float64, time.Time, error)
}
