package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"strategy-engine/internal/normalize"
)

// RedisSnapshot keeps the last good bars per symbol and interval in Redis so
// every engine process sharing the instance can fall back to them.
type RedisSnapshot struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisSnapshot(client *redis.Client, ttl time.Duration) *RedisSnapshot {
	return &RedisSnapshot{client: client, prefix: "ohlcv", ttl: ttl}
}

func (r *RedisSnapshot) key(symbol, interval string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, normalize.Symbol(symbol), normalize.Interval(interval))
}

func (r *RedisSnapshot) StoreBars(ctx context.Context, symbol, interval string, bars []Bar) error {
	data, err := json.Marshal(rows(bars))
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(symbol, interval), data, r.ttl).Err()
}

func (r *RedisSnapshot) LoadBars(ctx context.Context, symbol, interval string) ([]Bar, error) {
	data, err := r.client.Get(ctx, r.key(symbol, interval)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("no cached bars for %s %s", symbol, interval)
		}
		return nil, err
	}
	var raw [][]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return fromRows(raw), nil
}
