// Package redis provides the Redis-backed state for the Krist miner.
// It persists the relay round across restarts and keeps short windows of
// per-device hashrate and submission counters.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/bardlex/kristminer/internal/relay"
	"github.com/bardlex/kristminer/pkg/errors"
)

const keyPrefix = "kristminer"

// Client wraps Redis operations for the miner
type Client struct {
	rdb       *redis.Client
	namespace string
}

// Config holds Redis connection configuration
type Config struct {
	// URL is a redis:// or rediss:// URL.
	URL string
	// Namespace separates miners sharing one database, usually the
	// deposit address.
	Namespace    string
	PoolSize     int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

var _ relay.Store = (*Client)(nil)

// NewClient connects to Redis and pings it
func NewClient(cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfiguration, "redis_connect",
			"invalid Redis URL")
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "redis_connect",
			"failed to ping Redis")
	}

	return &Client{rdb: rdb, namespace: cfg.Namespace}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Relay state

// Load returns the saved relay state, or nil when none was saved.
func (c *Client) Load(ctx context.Context) (*relay.State, error) {
	data, err := c.rdb.Get(ctx, c.key("relay")).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "relay_load",
			"failed to read relay state")
	}

	var state relay.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "relay_load",
			"failed to decode relay state")
	}
	return &state, nil
}

// Save stores the relay state without expiry.
func (c *Client) Save(ctx context.Context, state relay.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "relay_save",
			"failed to encode relay state")
	}
	if err := c.rdb.Set(ctx, c.key("relay"), data, 0).Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "relay_save",
			"failed to write relay state")
	}
	return nil
}

// Statistics and counters

// IncrementCounter increments a counter with expiration
func (c *Client) IncrementCounter(ctx context.Context, name string, expiration time.Duration) (int64, error) {
	key := c.key("counter", name)
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "redis_counter",
			"failed to increment counter").WithContext("counter", name)
	}

	return incrCmd.Val(), nil
}

// GetCounter retrieves a counter value
func (c *Client) GetCounter(ctx context.Context, name string) (int64, error) {
	val, err := c.rdb.Get(ctx, c.key("counter", name)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "redis_counter",
			"failed to get counter").WithContext("counter", name)
	}
	return val, nil
}

// SetHashrate records a device hashrate sample and trims samples older than window.
func (c *Client) SetHashrate(ctx context.Context, deviceID int, hashrate float64, window time.Duration) error {
	key := c.key("hashrate", strconv.Itoa(deviceID))
	now := time.Now()

	// The timestamp is part of the member so equal rates do not collapse.
	member := redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d:%s", now.UnixNano(), strconv.FormatFloat(hashrate, 'f', -1, 64)),
	}

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, member)
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(now.Add(-window).UnixNano(), 10))
	pipe.Expire(ctx, key, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "redis_hashrate",
			"failed to set hashrate").WithContext("device_id", deviceID)
	}

	return nil
}

// GetAverageHashrate averages a device's samples over window
func (c *Client) GetAverageHashrate(ctx context.Context, deviceID int, window time.Duration) (float64, error) {
	key := c.key("hashrate", strconv.Itoa(deviceID))
	minScore := time.Now().Add(-window).UnixNano()

	values, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(minScore, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "redis_hashrate",
			"failed to get hashrate values").WithContext("device_id", deviceID)
	}

	return averageSamples(values), nil
}

func (c *Client) key(parts ...string) string {
	return buildKey(c.namespace, parts...)
}

func buildKey(namespace string, parts ...string) string {
	key := keyPrefix
	if namespace != "" {
		key += ":" + namespace
	}
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// averageSamples averages "timestamp:rate" members, skipping malformed ones.
func averageSamples(values []string) float64 {
	var total float64
	var n int
	for _, val := range values {
		_, rate, ok := cutLast(val, ':')
		if !ok {
			continue
		}
		if hashrate, err := strconv.ParseFloat(rate, 64); err == nil {
			total += hashrate
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

func cutLast(s string, sep byte) (before, after string, found bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}
