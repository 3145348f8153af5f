package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// epochTTL bounds how long an abandoned epoch survives. A live position
// refreshes it on every Epoch call.
const epochTTL = 30 * 24 * time.Hour

// DCACounter implements domain.DCACounter. The epoch id for a position lives
// at copybot:dca:epoch:{account}:{symbol}:{side}; counts live in the hash
// copybot:dca:counts keyed by epoch id.
type DCACounter struct {
	rdb *redis.Client
}

// NewDCACounter creates a DCACounter backed by the given Client.
func NewDCACounter(c *Client) *DCACounter {
	return &DCACounter{rdb: c.Underlying()}
}

const dcaCountsKey = keyPrefix + "dca:counts"

func epochKey(accountID, symbol string, side domain.PositionSide) string {
	return keyPrefix + "dca:epoch:" + accountID + ":" + symbol + ":" + string(side)
}

// Epoch returns the open epoch for the position or creates one. Concurrent
// callers agree on a single id through SET NX.
func (c *DCACounter) Epoch(ctx context.Context, accountID, symbol string, side domain.PositionSide) (string, error) {
	key := epochKey(accountID, symbol, side)
	fresh := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, key, fresh, epochTTL).Result()
	if err != nil {
		return "", fmt.Errorf("redis: dca epoch %s: %w", key, err)
	}
	if ok {
		return fresh, nil
	}
	id, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls; retry once.
		if err := c.rdb.SetNX(ctx, key, fresh, epochTTL).Err(); err != nil {
			return "", fmt.Errorf("redis: dca epoch %s: %w", key, err)
		}
		return c.rdb.Get(ctx, key).Result()
	}
	if err != nil {
		return "", fmt.Errorf("redis: dca epoch %s: %w", key, err)
	}
	c.rdb.Expire(ctx, key, epochTTL)
	return id, nil
}

// EndEpoch forgets the position's epoch and its count.
func (c *DCACounter) EndEpoch(ctx context.Context, accountID, symbol string, side domain.PositionSide) error {
	key := epochKey(accountID, symbol, side)
	id, err := c.rdb.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis: end dca epoch %s: %w", key, err)
	}
	if err := c.rdb.HDel(ctx, dcaCountsKey, id).Err(); err != nil {
		return fmt.Errorf("redis: clear dca count %s: %w", id, err)
	}
	return nil
}

// Count returns the orders placed in epoch.
func (c *DCACounter) Count(ctx context.Context, epoch string) (int, error) {
	v, err := c.rdb.HGet(ctx, dcaCountsKey, epoch).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis: dca count %s: %w", epoch, err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("redis: parse dca count %s: %w", epoch, err)
	}
	return n, nil
}

// Increment adds one to epoch's count and returns the new value.
func (c *DCACounter) Increment(ctx context.Context, epoch string) (int, error) {
	n, err := c.rdb.HIncrBy(ctx, dcaCountsKey, epoch, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: dca increment %s: %w", epoch, err)
	}
	return int(n), nil
}

var _ domain.DCACounter = (*DCACounter)(nil)
