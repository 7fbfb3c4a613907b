package entitycache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vitaliisemenov/rescache"
)

// Redis is a rescache.EntityCache backed by a shared Redis instance,
// adapted from the alert-history service's RedisCache: same connect,
// get/set/delete shape, same "log then return a typed error" handling,
// generalized from arbitrary JSON payloads to rescache.Entity values.
//
// Entity.Content is encoded with encoding/gob rather than JSON so a
// round trip preserves the concrete type a pipeline stage produced
// instead of collapsing it to map[string]any. Because Content is an
// interface field, callers must gob.Register every concrete model type
// they store in it (Go's built-in basic types excepted) once at startup.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

// RedisOption configures a Redis cache built by NewRedis.
type RedisOption func(*Redis)

// WithRedisTTL sets the TTL every Write uses; zero means entries never
// expire on their own.
func WithRedisTTL(d time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = d }
}

// WithRedisKeyPrefix namespaces every key this cache writes, so several
// Services can safely share one Redis instance.
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithRedisLogger overrides the default slog.Default() logger.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(r *Redis) { r.logger = l }
}

// NewRedis connects to addr and returns a ready Redis cache, pinging once
// to fail fast on a bad address.
func NewRedis(addr string, opts ...RedisOption) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	return newRedisFromClient(client, opts...)
}

// NewRedisFromClient wraps an already-configured *redis.Client (e.g. one
// built from miniredis in tests, or one with a pool/TLS setup of the
// caller's choosing).
func NewRedisFromClient(client *redis.Client, opts ...RedisOption) (*Redis, error) {
	return newRedisFromClient(client, opts...)
}

func newRedisFromClient(client *redis.Client, opts ...RedisOption) (*Redis, error) {
	r := &Redis{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		r.logger.Error("failed to connect to redis entity cache", "error", err)
		return nil, fmt.Errorf("entitycache: connect to redis: %w", err)
	}
	return r, nil
}

func (r *Redis) redisKey(key rescache.CacheKey) string {
	return r.prefix + string(key.Stage) + "|" + key.Opaque
}

// Read implements rescache.EntityCache.
func (r *Redis) Read(ctx context.Context, key rescache.CacheKey) (*rescache.Entity, bool, error) {
	raw, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		r.logger.Error("entity cache redis get failed", "key", key, "error", err)
		return nil, false, fmt.Errorf("entitycache: redis get: %w", err)
	}
	var e rescache.Entity
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&e); err != nil {
		r.logger.Error("entity cache redis decode failed", "key", key, "error", err)
		return nil, false, fmt.Errorf("entitycache: decode: %w", err)
	}
	return &e, true, nil
}

// Write implements rescache.EntityCache.
func (r *Redis) Write(ctx context.Context, key rescache.CacheKey, e *rescache.Entity) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return fmt.Errorf("entitycache: encode: %w", err)
	}
	if err := r.client.Set(ctx, r.redisKey(key), buf.Bytes(), r.ttl).Err(); err != nil {
		r.logger.Error("entity cache redis set failed", "key", key, "error", err)
		return fmt.Errorf("entitycache: redis set: %w", err)
	}
	return nil
}

// Remove implements rescache.EntityCache.
func (r *Redis) Remove(ctx context.Context, key rescache.CacheKey) error {
	if err := r.client.Del(ctx, r.redisKey(key)).Err(); err != nil {
		r.logger.Error("entity cache redis delete failed", "key", key, "error", err)
		return fmt.Errorf("entitycache: redis del: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection pool.
func (r *Redis) Close() error { return r.client.Close() }
