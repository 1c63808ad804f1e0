package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/pulse-engine/pkg/config"
	"github.com/angelmondragon/pulse-engine/pkg/logger"
)

const (
	keyNamespace      = "pulse"
	idempotencyPrefix = "idempotency"
	aggregatePrefix   = "aggregate"
	indexPrefix       = "aggregate_index"
	lockPrefix        = "lock"
	rateLimitPrefix   = "ratelimit"
)

// Nil is returned when a key does not exist.
var Nil = redis.Nil

var errNotInitialized = errors.New("redis client not initialized")

// putAggregateScript replaces the aggregate hash only when the incoming
// computed_at is not older than the stored one, and indexes the key.
// KEYS[1]=hash KEYS[2]=index ARGV: computed_at, run_id, payload, member, ttl_ms
const putAggregateScript = `
local current = redis.call('HGET', KEYS[1], 'computed_at')
if current and tonumber(current) > tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'computed_at', ARGV[1], 'run_id', ARGV[2], 'payload', ARGV[3])
if tonumber(ARGV[5]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[5])
end
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[4])
return 1
`

// compareAndDeleteScript deletes KEYS[1] only while it still holds ARGV[1].
const compareAndDeleteScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// compareAndExpireScript resets the TTL of KEYS[1] to ARGV[2] milliseconds
// only while it still holds ARGV[1].
const compareAndExpireScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// rateWindowScript counts one hit in the window keyed by KEYS[1], starting the
// window of ARGV[1] milliseconds on the first hit, and returns the count and
// the milliseconds left in the window.
const rateWindowScript = `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {count, redis.call('PTTL', KEYS[1])}
`

type cmdable interface {
	Ping(context.Context) *redis.StatusCmd
	Set(context.Context, string, any, time.Duration) *redis.StatusCmd
	Get(context.Context, string) *redis.StringCmd
	SetNX(context.Context, string, any, time.Duration) *redis.BoolCmd
	Del(context.Context, ...string) *redis.IntCmd
	HMGet(context.Context, string, ...string) *redis.SliceCmd
	ZRange(context.Context, string, int64, int64) *redis.StringSliceCmd
	Eval(context.Context, string, []string, ...any) *redis.Cmd
}

// Client wraps the redis connection helpers needed by the engine.
type Client struct {
	store cmdable
	raw   *redis.Client
}

// IdempotencyStore exposes minimal operations used by idempotency helpers.
type IdempotencyStore interface {
	SetNX(context.Context, string, any, time.Duration) (bool, error)
	IdempotencyKey(scope, id string) string
	Del(context.Context, ...string) error
}

// AggregateRecord is the stored form of one materialized aggregate.
type AggregateRecord struct {
	ComputedAtMicros int64
	RunID            string
	Payload          []byte
}

// New bootstraps a Redis client with pooling/timeouts and verifies connectivity.
func New(ctx context.Context, cfg config.RedisConfig, logg *logger.Logger) (*Client, error) {
	opts, err := optionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	raw := redis.NewClient(opts)
	if err := raw.Ping(ctx).Err(); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if logg != nil {
		logg.Info(ctx, "redis connection established")
	}
	return &Client{store: raw, raw: raw}, nil
}

func optionsFromConfig(cfg config.RedisConfig) (*redis.Options, error) {
	if cfg.URL == "" && cfg.Address == "" {
		return nil, errors.New("redis url or address is required")
	}
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	if opts.DB == 0 {
		opts.DB = cfg.DB
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if opts.MinIdleConns == 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	return opts, nil
}

// Set stores a string value with an optional TTL.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c.store == nil {
		return errNotInitialized
	}
	return c.store.Set(ctx, key, value, ttl).Err()
}

// Get returns a string value stored at key.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if c.store == nil {
		return "", errNotInitialized
	}
	return c.store.Get(ctx, key).Result()
}

// SetNX sets a value only if the key does not exist yet.
func (c *Client) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if c.store == nil {
		return false, errNotInitialized
	}
	return c.store.SetNX(ctx, key, value, ttl).Result()
}

// Del removes the provided keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if c.store == nil {
		return errNotInitialized
	}
	return c.store.Del(ctx, keys...).Err()
}

// RateWindow is the state of one fixed rate-limit window after a hit.
type RateWindow struct {
	Count int64
	Reset time.Duration
}

// CountInWindow records one hit against scope and reports the hits so far in
// the current window along with the time until it resets.
func (c *Client) CountInWindow(ctx context.Context, scope string, window time.Duration) (RateWindow, error) {
	if c.store == nil {
		return RateWindow{}, errNotInitialized
	}
	vals, err := c.store.Eval(ctx, rateWindowScript, []string{c.RateLimitKey(scope)}, window.Milliseconds()).Slice()
	if err != nil {
		return RateWindow{}, fmt.Errorf("count in window: %w", err)
	}
	if len(vals) != 2 {
		return RateWindow{}, fmt.Errorf("count in window: unexpected reply %v", vals)
	}
	count, _ := vals[0].(int64)
	pttl, _ := vals[1].(int64)
	if pttl < 0 {
		pttl = window.Milliseconds()
	}
	return RateWindow{Count: count, Reset: time.Duration(pttl) * time.Millisecond}, nil
}

// CompareAndDelete removes key when its value equals expected and reports
// whether it did.
func (c *Client) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if c.store == nil {
		return false, errNotInitialized
	}
	res, err := c.store.Eval(ctx, compareAndDeleteScript, []string{key}, expected).Int64()
	if err != nil {
		return false, fmt.Errorf("compare and delete: %w", err)
	}
	return res == 1, nil
}

// CompareAndExpire extends the TTL of key when its value equals expected and
// reports whether it did.
func (c *Client) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	if c.store == nil {
		return false, errNotInitialized
	}
	res, err := c.store.Eval(ctx, compareAndExpireScript, []string{key}, expected, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("compare and expire: %w", err)
	}
	return res == 1, nil
}

// PutAggregate writes the aggregate atomically unless a newer snapshot is
// already stored. It reports whether the write was applied.
func (c *Client) PutAggregate(ctx context.Context, aggregateType, key string, record AggregateRecord, ttl time.Duration) (bool, error) {
	if c.store == nil {
		return false, errNotInitialized
	}
	keys := []string{c.AggregateKey(aggregateType, key), c.AggregateIndexKey(aggregateType)}
	res, err := c.store.Eval(ctx, putAggregateScript, keys,
		record.ComputedAtMicros,
		record.RunID,
		string(record.Payload),
		key,
		ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("put aggregate: %w", err)
	}
	return res == 1, nil
}

// GetAggregate reads one aggregate; it returns Nil when the key is absent.
func (c *Client) GetAggregate(ctx context.Context, aggregateType, key string) (AggregateRecord, error) {
	if c.store == nil {
		return AggregateRecord{}, errNotInitialized
	}
	values, err := c.store.HMGet(ctx, c.AggregateKey(aggregateType, key), "computed_at", "run_id", "payload").Result()
	if err != nil {
		return AggregateRecord{}, err
	}
	if len(values) != 3 || values[0] == nil || values[2] == nil {
		return AggregateRecord{}, Nil
	}
	computedAt, err := strconv.ParseInt(fmt.Sprint(values[0]), 10, 64)
	if err != nil {
		return AggregateRecord{}, fmt.Errorf("parse computed_at: %w", err)
	}
	record := AggregateRecord{
		ComputedAtMicros: computedAt,
		Payload:          []byte(fmt.Sprint(values[2])),
	}
	if values[1] != nil {
		record.RunID = fmt.Sprint(values[1])
	}
	return record, nil
}

// AggregateKeys lists every indexed key of the given type ordered by computed_at.
func (c *Client) AggregateKeys(ctx context.Context, aggregateType string) ([]string, error) {
	if c.store == nil {
		return nil, errNotInitialized
	}
	return c.store.ZRange(ctx, c.AggregateIndexKey(aggregateType), 0, -1).Result()
}

// IdempotencyKey returns a namespaced key for idempotency storage.
func (c *Client) IdempotencyKey(scope, id string) string {
	return c.buildKey(idempotencyPrefix, scope, id)
}

// AggregateKey returns the hash key holding one materialized aggregate.
func (c *Client) AggregateKey(aggregateType, key string) string {
	return c.buildKey(aggregatePrefix, aggregateType, key)
}

// AggregateIndexKey returns the sorted set indexing keys of one aggregate type.
func (c *Client) AggregateIndexKey(aggregateType string) string {
	return c.buildKey(indexPrefix, aggregateType)
}

// RateLimitKey returns a namespaced key for rate limit counters.
func (c *Client) RateLimitKey(scope string) string {
	return c.buildKey(rateLimitPrefix, scope)
}

// LockKey returns a namespaced key for distributed locks.
func (c *Client) LockKey(name, env string) string {
	return c.buildKey(lockPrefix, name, env)
}

// Ping verifies the connection.
func (c *Client) Ping(ctx context.Context) error {
	if c.store == nil {
		return errNotInitialized
	}
	return c.store.Ping(ctx).Err()
}

// Close shuts down the underlying client if available.
func (c *Client) Close() error {
	if c.raw == nil {
		return nil
	}
	return c.raw.Close()
}

func (c *Client) buildKey(parts ...string) string {
	if len(parts) == 0 {
		return keyNamespace
	}
	clean := []string{keyNamespace}
	for _, part := range parts {
		if part == "" {
			continue
		}
		clean = append(clean, strings.TrimSpace(part))
	}
	return strings.Join(clean, ":")
}
