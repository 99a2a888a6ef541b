package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/remember_tx.lua
var rememberTxScript string

//go:embed scripts/mark_pending.lua
var markPendingScript string

//go:embed scripts/settle_tx.lua
var settleTxScript string

const defaultTTL = 24 * time.Hour

type Client struct {
	rdb            *redis.Client
	ttl            time.Duration
	rememberScript *redis.Script
	pendingScript  *redis.Script
	settleScript   *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int, ttl time.Duration) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	if ttl <= 0 {
		ttl = defaultTTL
	}

	return &Client{
		rdb:            rdb,
		ttl:            ttl,
		rememberScript: redis.NewScript(rememberTxScript),
		pendingScript:  redis.NewScript(markPendingScript),
		settleScript:   redis.NewScript(settleTxScript),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func idempotencyKey(key string) string {
	return fmt.Sprintf("idempotency:%s", key)
}

func txKey(hash string) string {
	return fmt.Sprintf("tx:%s", hash)
}

// Remember atomically binds an idempotency key to a tx hash unless it is
// already bound, and returns the hash the key is bound to
func (c *Client) Remember(ctx context.Context, key, hash string) (string, error) {
	result, err := c.rememberScript.Run(ctx, c.rdb,
		[]string{idempotencyKey(key)}, hash, int64(c.ttl.Seconds())).Result()
	if err != nil {
		return "", fmt.Errorf("remember tx script failed: %w", err)
	}

	bound, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("unexpected script result type")
	}
	return bound, nil
}

// Forget drops an idempotency key
func (c *Client) Forget(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, idempotencyKey(key)).Err()
}

// MarkPending records a submitted transaction. An existing record is kept.
func (c *Client) MarkPending(ctx context.Context, hash, op string) error {
	_, err := c.pendingScript.Run(ctx, c.rdb,
		[]string{txKey(hash)}, op, time.Now().Unix(), int64(c.ttl.Seconds())).Result()
	if err != nil {
		return fmt.Errorf("mark pending script failed: %w", err)
	}
	return nil
}

// Settle atomically moves a transaction from pending to its final status.
// Returns false if it was already final.
func (c *Client) Settle(ctx context.Context, hash, status string) (bool, error) {
	result, err := c.settleScript.Run(ctx, c.rdb,
		[]string{txKey(hash)}, status, time.Now().Unix(), int64(c.ttl.Seconds())).Result()
	if err != nil {
		return false, fmt.Errorf("settle tx script failed: %w", err)
	}

	settled, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}
	return settled == 1, nil
}

// Status returns the recorded status of a transaction, "" if unknown
func (c *Client) Status(ctx context.Context, hash string) (string, error) {
	status, err := c.rdb.HGet(ctx, txKey(hash), "status").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return status, err
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
