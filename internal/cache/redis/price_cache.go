package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// markTTL drops prices nobody refreshed, so a stalled feed reads as a miss.
const markTTL = time.Minute

// MarkCache implements domain.MarkCache with one hash per symbol at
// copybot:mark:{symbol} holding "price" and "ts" (unix nanoseconds).
type MarkCache struct {
	rdb *redis.Client
}

// NewMarkCache creates a MarkCache backed by the given Client.
func NewMarkCache(c *Client) *MarkCache {
	return &MarkCache{rdb: c.Underlying()}
}

func markKey(symbol string) string {
	return keyPrefix + "mark:" + symbol
}

// SetMark stores the latest mark price for symbol.
func (mc *MarkCache) SetMark(ctx context.Context, symbol string, price float64, ts time.Time) error {
	key := markKey(symbol)
	pipe := mc.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]any{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	})
	pipe.Expire(ctx, key, markTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set mark %s: %w", symbol, err)
	}
	return nil
}

// GetMark returns the cached mark price or domain.ErrNotFound.
func (mc *MarkCache) GetMark(ctx context.Context, symbol string) (float64, time.Time, error) {
	vals, err := mc.rdb.HGetAll(ctx, markKey(symbol)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get mark %s: %w", symbol, err)
	}
	priceStr, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse mark %s: %w", symbol, err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse mark ts %s: %w", symbol, err)
	}
	return price, time.Unix(0, tsNano), nil
}

var _ domain.MarkCache = (*MarkCache)(nil)
