package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/deduct_stock.lua
var deductStockScript string

//go:embed scripts/restore_stock.lua
var restoreStockScript string

type Client struct {
	rdb           *redis.Client
	deductScript  *redis.Script
	restoreScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
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

	return &Client{
		rdb:           rdb,
		deductScript:  redis.NewScript(deductStockScript),
		restoreScript: redis.NewScript(restoreStockScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// InitStock seeds the cached stock level for a product
func (c *Client) InitStock(ctx context.Context, productID int64, quantity int) error {
	key := fmt.Sprintf("stock:%d", productID)
	return c.rdb.Set(ctx, key, quantity, 0).Err()
}

// DeductStock atomically decrements the cached stock level using a Lua
// script. Returns the remaining quantity; -1 means the product is not cached.
func (c *Client) DeductStock(ctx context.Context, productID int64, quantity int) (int64, error) {
	key := fmt.Sprintf("stock:%d", productID)

	result, err := c.deductScript.Run(ctx, c.rdb, []string{key}, quantity).Result()
	if err != nil {
		return 0, fmt.Errorf("deduct stock script failed: %w", err)
	}

	remaining, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected script result type")
	}

	return remaining, nil
}

// RestoreStock atomically adds quantity back to the cached stock level
func (c *Client) RestoreStock(ctx context.Context, productID int64, quantity int) error {
	key := fmt.Sprintf("stock:%d", productID)

	_, err := c.restoreScript.Run(ctx, c.rdb, []string{key}, quantity).Result()
	if err != nil {
		return fmt.Errorf("restore stock script failed: %w", err)
	}

	return nil
}

// GetStock retrieves the cached stock level for a product
func (c *Client) GetStock(ctx context.Context, productID int64) (int, error) {
	key := fmt.Sprintf("stock:%d", productID)

	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, fmt.Errorf("stock not cached for product %d", productID)
	}
	if err != nil {
		return 0, err
	}

	return strconv.Atoi(val)
}

// ClaimEvent claims a webhook event id for processing (SetNX with TTL).
// Returns false when another delivery of the same event already claimed it.
// This is the fast-path dedupe; the processed_events table is authoritative.
func (c *Client) ClaimEvent(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("webhook:event:%s", eventID), "1", ttl).Result()
}

// ReleaseEvent releases a claimed event id so a provider retry can reprocess
// it after a fulfillment failure.
func (c *Client) ReleaseEvent(ctx context.Context, eventID string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("webhook:event:%s", eventID)).Err()
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
