// Package cache provides a redis snapshot cache over ERP stock reads.
// The cache is advisory: validation under lock always bypasses it, and any
// redis failure falls through to the live reader.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"stockgate/internal/core/types"
	"stockgate/internal/domain/erp"
	"stockgate/internal/domain/validation"
	"stockgate/pkg/logger"
)

// DefaultTTL bounds snapshot staleness. The fresh re-validation under lock
// protects correctness, so the TTL only tunes advisory-check accuracy.
const DefaultTTL = 30 * time.Second

var _ validation.StockReader = (*StockCache)(nil)

// StockCache wraps a live StockReader with redis snapshots.
type StockCache struct {
	client *redis.Client
	live   validation.StockReader
	ttl    time.Duration
}

// New creates a stock cache. ttl <= 0 falls back to DefaultTTL.
func New(client *redis.Client, live validation.StockReader, ttl time.Duration) *StockCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &StockCache{client: client, live: live, ttl: ttl}
}

func physicalKey(itemCode, warehouseCode string) string {
	return "stock:phys:" + itemCode + ":" + warehouseCode
}

func batchesKey(itemCode, warehouseCode string) string {
	return "stock:batches:" + itemCode + ":" + warehouseCode
}

// PhysicalStock returns the cached physical quantity, reading through on miss.
func (c *StockCache) PhysicalStock(ctx context.Context, itemCode, warehouseCode string) (types.Quantity, error) {
	key := physicalKey(itemCode, warehouseCode)

	raw, err := c.client.Get(ctx, key).Result()
	if err == nil {
		var quantity types.Quantity
		if jsonErr := json.Unmarshal([]byte(raw), &quantity); jsonErr == nil {
			return quantity, nil
		}
	} else if err != redis.Nil {
		logger.Warn(ctx, "stock cache read failed, falling through", "key", key, "error", err)
	}

	quantity, err := c.live.PhysicalStock(ctx, itemCode, warehouseCode)
	if err != nil {
		return 0, err
	}
	c.store(ctx, key, quantity)
	return quantity, nil
}

// Batches returns the cached batch snapshot, reading through on miss.
func (c *StockCache) Batches(ctx context.Context, itemCode, warehouseCode string) ([]erp.BatchInfo, error) {
	key := batchesKey(itemCode, warehouseCode)

	raw, err := c.client.Get(ctx, key).Result()
	if err == nil {
		var batches []erp.BatchInfo
		if jsonErr := json.Unmarshal([]byte(raw), &batches); jsonErr == nil {
			return batches, nil
		}
	} else if err != redis.Nil {
		logger.Warn(ctx, "stock cache read failed, falling through", "key", key, "error", err)
	}

	batches, err := c.live.Batches(ctx, itemCode, warehouseCode)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, batches)
	return batches, nil
}

// Invalidate drops cached snapshots for an item/warehouse.
func (c *StockCache) Invalidate(ctx context.Context, itemCode, warehouseCode string) {
	keys := []string{
		physicalKey(itemCode, warehouseCode),
		batchesKey(itemCode, warehouseCode),
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		logger.Warn(ctx, "stock cache invalidation failed", "keys", keys, "error", err)
	}
}

func (c *StockCache) store(ctx context.Context, key string, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		logger.Warn(ctx, "stock cache write failed", "key", key, "error", err)
	}
}
