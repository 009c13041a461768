package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
)

// Cache is the optional hot-path cache: offline manifests, recent branch
// message windows, warmed retrieval payloads. Every caller must tolerate
// a nil Cache and a cache miss the same way.
type Cache interface {
	GetJSON(ctx context.Context, key string, out any) (bool, error)
	SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	// Recent windows: newest-first bounded lists.
	PushRecent(ctx context.Context, key string, val any, maxLen int64, ttl time.Duration) error
	ListRecent(ctx context.Context, key string, limit int64) ([]string, error)

	Close() error
}

type cache struct {
	log *logger.Logger
	rdb *goredis.Client
}

// NewFromEnv builds a Cache from REDIS_ADDR. A missing address returns
// (nil, nil): the engine runs uncached.
func NewFromEnv(log *logger.Logger) (Cache, error) {
	if strings.TrimSpace(os.Getenv("REDIS_ADDR")) == "" {
		return nil, nil
	}
	return NewCache(log)
}

func NewCache(log *logger.Logger) (Cache, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &cache{
		log: log.With("service", "RedisCache"),
		rdb: rdb,
	}, nil
}

func (c *cache) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	if c == nil || c.rdb == nil {
		return false, nil
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		// A corrupt entry behaves like a miss; the writer will replace it.
		c.log.Warn("cache entry undecodable", "key", key, "error", err)
		return false, nil
	}
	return true, nil
}

func (c *cache) SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, raw, ttl).Err()
}

func (c *cache) Delete(ctx context.Context, keys ...string) error {
	if c == nil || c.rdb == nil || len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *cache) PushRecent(ctx context.Context, key string, val any, maxLen int64, ttl time.Duration) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, key, raw)
	if maxLen > 0 {
		pipe.LTrim(ctx, key, 0, maxLen-1)
	}
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (c *cache) ListRecent(ctx context.Context, key string, limit int64) ([]string, error) {
	if c == nil || c.rdb == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	return c.rdb.LRange(ctx, key, 0, limit-1).Result()
}

func (c *cache) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
