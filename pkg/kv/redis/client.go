// Package redis implements kv.Client on top of go-redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/jobstore/pkg/kv"
	"github.com/nimburion/jobstore/pkg/observability/logger"
)

const (
	defaultOperationTimeout = 5 * time.Second
	defaultDialTimeout      = 5 * time.Second
	defaultScanCount        = 500
)

// Config configures the Redis connection.
type Config struct {
	URL              string
	MaxConns         int
	OperationTimeout time.Duration
	ScanCount        int64
}

func (c *Config) normalize() {
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	if c.ScanCount <= 0 {
		c.ScanCount = defaultScanCount
	}
}

// Client is a kv.Client backed by a Redis server.
//
// The connection is opened by Connect and dropped by Disconnect, so a process
// can release its sockets before spawning workers and dial again afterwards.
type Client struct {
	log    logger.Logger
	config Config
	opts   *redis.Options

	mu     sync.RWMutex
	client *redis.Client
	closed bool
}

// New validates the configuration. It does not dial; call Connect.
func New(cfg Config, log logger.Logger) (*Client, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url failed: %w", err)
	}
	if cfg.MaxConns > 0 {
		opts.PoolSize = cfg.MaxConns
	}
	opts.DialTimeout = defaultDialTimeout
	opts.ReadTimeout = cfg.OperationTimeout
	opts.WriteTimeout = cfg.OperationTimeout

	return &Client{
		log:    log,
		config: cfg,
		opts:   opts,
	}, nil
}

// Connect dials Redis and verifies the connection. Calling it on a connected client only pings.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("redis client is closed")
	}
	fresh := c.client == nil
	if fresh {
		c.client = redis.NewClient(c.opts)
	}
	rdb := c.client
	c.mu.Unlock()

	opCtx, cancel := c.operationContext(ctx)
	defer cancel()
	if err := rdb.Ping(opCtx).Err(); err != nil {
		if fresh {
			c.mu.Lock()
			if c.client == rdb {
				c.client = nil
			}
			c.mu.Unlock()
			_ = rdb.Close()
		}
		return fmt.Errorf("ping redis failed: %w", err)
	}
	if fresh {
		c.log.Info("redis connection established", "addr", c.opts.Addr, "db", c.opts.DB)
	}
	return nil
}

// Disconnect closes the pooled connections. The client can Connect again.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	rdb := c.client
	c.client = nil
	c.mu.Unlock()
	if rdb == nil {
		return nil
	}
	c.log.Info("redis connection released", "addr", c.opts.Addr)
	return rdb.Close()
}

// Close disconnects and rejects any later Connect.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.Disconnect()
}

// Ping checks the server with PING.
func (c *Client) Ping(ctx context.Context) error {
	rdb, err := c.active()
	if err != nil {
		return err
	}
	opCtx, cancel := c.operationContext(ctx)
	defer cancel()
	return rdb.Ping(opCtx).Err()
}

// HMGet returns the requested fields of key that are present.
func (c *Client) HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error) {
	rdb, err := c.active()
	if err != nil {
		return nil, err
	}
	opCtx, cancel := c.operationContext(ctx)
	defer cancel()
	values, err := rdb.HMGet(opCtx, key, fields...).Result()
	if err != nil {
		return nil, err
	}
	return presentFields(fields, values), nil
}

// HMGetMulti pipelines one HMGET per key and returns the results in key order.
func (c *Client) HMGetMulti(ctx context.Context, keys []string, fields ...string) ([]map[string]string, error) {
	if len(keys) == 0 {
		return []map[string]string{}, nil
	}
	rdb, err := c.active()
	if err != nil {
		return nil, err
	}
	opCtx, cancel := c.operationContext(ctx)
	defer cancel()

	pipe := rdb.Pipeline()
	cmds := make([]*redis.SliceCmd, len(keys))
	for idx, key := range keys {
		cmds[idx] = pipe.HMGet(opCtx, key, fields...)
	}
	if _, err := pipe.Exec(opCtx); err != nil {
		return nil, err
	}

	out := make([]map[string]string, len(keys))
	for idx, cmd := range cmds {
		out[idx] = presentFields(fields, cmd.Val())
	}
	return out, nil
}

// HGetAll returns every field of key.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	rdb, err := c.active()
	if err != nil {
		return nil, err
	}
	opCtx, cancel := c.operationContext(ctx)
	defer cancel()
	return rdb.HGetAll(opCtx, key).Result()
}

// Apply performs writes in one MULTI/EXEC without watching.
func (c *Client) Apply(ctx context.Context, writes ...kv.Write) error {
	if len(writes) == 0 {
		return nil
	}
	rdb, err := c.active()
	if err != nil {
		return err
	}
	opCtx, cancel := c.operationContext(ctx)
	defer cancel()
	_, err = rdb.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		queueWrites(opCtx, pipe, writes)
		return nil
	})
	return err
}

// Del removes keys. Missing keys are ignored.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	rdb, err := c.active()
	if err != nil {
		return err
	}
	opCtx, cancel := c.operationContext(ctx)
	defer cancel()
	return rdb.Del(opCtx, keys...).Err()
}

// SAdd adds members to set.
func (c *Client) SAdd(ctx context.Context, set string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	rdb, err := c.active()
	if err != nil {
		return err
	}
	opCtx, cancel := c.operationContext(ctx)
	defer cancel()
	return rdb.SAdd(opCtx, set, toInterfaces(members)...).Err()
}

// SRem removes members from set.
func (c *Client) SRem(ctx context.Context, set string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	rdb, err := c.active()
	if err != nil {
		return err
	}
	opCtx, cancel := c.operationContext(ctx)
	defer cancel()
	return rdb.SRem(opCtx, set, toInterfaces(members)...).Err()
}

// SMembers returns the members of set.
func (c *Client) SMembers(ctx context.Context, set string) ([]string, error) {
	rdb, err := c.active()
	if err != nil {
		return nil, err
	}
	opCtx, cancel := c.operationContext(ctx)
	defer cancel()
	return rdb.SMembers(opCtx, set).Result()
}

// SIsMember reports whether member is in set.
func (c *Client) SIsMember(ctx context.Context, set, member string) (bool, error) {
	rdb, err := c.active()
	if err != nil {
		return false, err
	}
	opCtx, cancel := c.operationContext(ctx)
	defer cancel()
	return rdb.SIsMember(opCtx, set, member).Result()
}

// SRandMember returns a random member of set, or false if the set is empty.
func (c *Client) SRandMember(ctx context.Context, set string) (string, bool, error) {
	rdb, err := c.active()
	if err != nil {
		return "", false, err
	}
	opCtx, cancel := c.operationContext(ctx)
	defer cancel()
	member, err := rdb.SRandMember(opCtx, set).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return member, true, nil
}

// Scan walks the key space with SCAN rather than KEYS so the server is not blocked.
func (c *Client) Scan(ctx context.Context, pattern string) ([]string, error) {
	rdb, err := c.active()
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	keys := make([]string, 0)
	var cursor uint64
	for {
		opCtx, cancel := c.operationContext(ctx)
		batch, next, err := rdb.Scan(opCtx, cursor, pattern, c.config.ScanCount).Result()
		cancel()
		if err != nil {
			return nil, err
		}
		for _, key := range batch {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Watch runs fn under WATCH on keys. Exec on the transaction returns
// kv.ErrTxAborted if a watched key changed before EXEC.
func (c *Client) Watch(ctx context.Context, fn func(tx kv.Tx) error, keys ...string) error {
	rdb, err := c.active()
	if err != nil {
		return err
	}
	opCtx, cancel := c.operationContext(ctx)
	defer cancel()

	err = rdb.Watch(opCtx, func(rtx *redis.Tx) error {
		return fn(&tx{rtx: rtx})
	}, keys...)
	if errors.Is(err, redis.TxFailedErr) {
		return kv.ErrTxAborted
	}
	return err
}

func (c *Client) active() (*redis.Client, error) {
	if c == nil {
		return nil, kv.ErrNotConnected
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, kv.ErrNotConnected
	}
	return c.client, nil
}

func (c *Client) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.config.OperationTimeout)
}

type tx struct {
	rtx *redis.Tx
}

func (t *tx) HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error) {
	values, err := t.rtx.HMGet(ctx, key, fields...).Result()
	if err != nil {
		return nil, err
	}
	return presentFields(fields, values), nil
}

func (t *tx) Exec(ctx context.Context, writes ...kv.Write) error {
	_, err := t.rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		queueWrites(ctx, pipe, writes)
		return nil
	})
	if errors.Is(err, redis.TxFailedErr) {
		return kv.ErrTxAborted
	}
	return err
}

func queueWrites(ctx context.Context, pipe redis.Pipeliner, writes []kv.Write) {
	for _, w := range writes {
		if w.DeleteKey {
			pipe.Del(ctx, w.Key)
			continue
		}
		if len(w.Set) > 0 {
			values := make(map[string]interface{}, len(w.Set))
			for field, value := range w.Set {
				values[field] = value
			}
			pipe.HSet(ctx, w.Key, values)
		}
		if len(w.Del) > 0 {
			pipe.HDel(ctx, w.Key, w.Del...)
		}
	}
}

func presentFields(fields []string, values []interface{}) map[string]string {
	out := make(map[string]string, len(fields))
	for idx, field := range fields {
		if idx >= len(values) || values[idx] == nil {
			continue
		}
		switch v := values[idx].(type) {
		case string:
			out[field] = v
		default:
			out[field] = fmt.Sprint(v)
		}
	}
	return out
}

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for idx, value := range values {
		out[idx] = value
	}
	return out
}
