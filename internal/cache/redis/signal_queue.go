package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// SignalsKey is the list holding queued signals. Producers LPUSH and the
// single consumer BRPOPs, so the list is FIFO.
const SignalsKey = keyPrefix + "signals"

// SignalQueue implements domain.SignalQueue on a Redis list.
type SignalQueue struct {
	rdb *redis.Client
	key string
}

// NewSignalQueue creates a SignalQueue on SignalsKey.
func NewSignalQueue(c *Client) *SignalQueue {
	return &SignalQueue{rdb: c.Underlying(), key: SignalsKey}
}

// Enqueue appends sig to the queue.
func (q *SignalQueue) Enqueue(ctx context.Context, sig domain.Signal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("redis: encode signal %s: %w", sig.ID, err)
	}
	if err := q.rdb.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("redis: enqueue signal %s: %w", sig.ID, err)
	}
	return nil
}

// Dequeue pops the oldest signal, blocking up to timeout. It returns
// domain.ErrQueueEmpty when nothing arrived in time.
func (q *SignalQueue) Dequeue(ctx context.Context, timeout time.Duration) (domain.Signal, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Signal{}, domain.ErrQueueEmpty
	}
	if err != nil {
		return domain.Signal{}, fmt.Errorf("redis: dequeue signal: %w", err)
	}
	// BRPOP answers [key, value].
	if len(res) != 2 {
		return domain.Signal{}, fmt.Errorf("redis: dequeue signal: unexpected reply length %d", len(res))
	}
	var sig domain.Signal
	if err := json.Unmarshal([]byte(res[1]), &sig); err != nil {
		return domain.Signal{}, fmt.Errorf("redis: decode signal: %w", &domain.PayloadError{Raw: res[1], Err: err})
	}
	return sig, nil
}

// Len returns the number of queued signals.
func (q *SignalQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: queue length: %w", err)
	}
	return n, nil
}

var _ domain.SignalQueue = (*SignalQueue)(nil)
