package redisclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/go-redis/redis/v8"
)

const catalogKeyPrefix = "catalog:"

// Client wraps Redis for the product catalog cache and the refresh lock.
// Redis is never authoritative here: a miss or an outage only costs a direct
// platform fetch.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
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

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks Redis reachability for the health feed
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// GetCatalogEntry returns a cached catalog entry, or nil on a cache miss.
func (c *Client) GetCatalogEntry(ctx context.Context, sku string) (*models.CatalogEntry, error) {
	payload, err := c.rdb.Get(ctx, catalogKeyPrefix+sku).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entry models.CatalogEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, fmt.Errorf("corrupt catalog entry for %s: %w", sku, err)
	}
	return &entry, nil
}

// SetCatalogEntry caches a catalog entry with the given TTL
func (c *Client) SetCatalogEntry(ctx context.Context, entry *models.CatalogEntry, ttl time.Duration) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, catalogKeyPrefix+entry.SKU, payload, ttl).Err()
}

// InvalidateCatalog drops every cached catalog entry. The catalog keyspace is
// small (one key per stocked product), so KEYS is acceptable here.
func (c *Client) InvalidateCatalog(ctx context.Context) error {
	keys, err := c.rdb.Keys(ctx, catalogKeyPrefix+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// AcquireLock acquires a best-effort distributed lock, used to serialize the
// scheduled catalog refresh across instances.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
