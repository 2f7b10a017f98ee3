package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ghalamif/SensorRelay/internal/domain"
	"github.com/ghalamif/SensorRelay/internal/ports"
)

const keyPrefix = "sensor:last:"

// RedisLatest stores the last reading of each source type under
// "sensor:last:{sourceType}". Entries expire so dead sensors drop out.
type RedisLatest struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisLatest(rdb redis.Cmdable, ttl time.Duration) *RedisLatest {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisLatest{rdb: rdb, ttl: ttl}
}

// Dial connects to addr and verifies the server answers PING.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s unavailable: %w", addr, err)
	}
	return rdb, nil
}

func Key(sourceType string) string { return keyPrefix + sourceType }

func (c *RedisLatest) Put(ctx context.Context, r domain.Reading) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, Key(r.SourceType), b, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", Key(r.SourceType), err)
	}
	return nil
}

func (c *RedisLatest) Get(ctx context.Context, sourceType string) (domain.Reading, bool, error) {
	raw, err := c.rdb.Get(ctx, Key(sourceType)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Reading{}, false, nil
	}
	if err != nil {
		return domain.Reading{}, false, fmt.Errorf("redis get %s: %w", Key(sourceType), err)
	}
	var r domain.Reading
	if err := json.Unmarshal(raw, &r); err != nil {
		return domain.Reading{}, false, fmt.Errorf("decode cached reading: %w", err)
	}
	return r, true, nil
}

var _ ports.LatestCache = (*RedisLatest)(nil)
