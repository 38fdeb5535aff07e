package platform

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

const refreshLockKey = "catalog-refresh"

// Fetcher retrieves the full catalog from the commerce platform.
type Fetcher interface {
	FetchCatalog(ctx context.Context) ([]models.CatalogEntry, error)
}

// CatalogStore is the cache backend, satisfied by redisclient.Client.
type CatalogStore interface {
	GetCatalogEntry(ctx context.Context, sku string) (*models.CatalogEntry, error)
	SetCatalogEntry(ctx context.Context, entry *models.CatalogEntry, ttl time.Duration) error
	InvalidateCatalog(ctx context.Context) error
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

// CatalogCache is the read-through cache of the platform's product view.
// Entries expire after the configured TTL; a lookup past expiry refreshes
// synchronously, so callers never see data older than one TTL plus in-flight
// request latency. When Redis is unavailable the cache degrades to direct
// platform fetches rather than failing lookups.
type CatalogCache struct {
	fetcher Fetcher
	redis   CatalogStore
	ttl     time.Duration
	logger  *zap.Logger
}

// NewCatalogCache creates the catalog cache. redis may be nil, in which case
// every lookup is a direct fetch (degraded but correct).
func NewCatalogCache(fetcher Fetcher, redis CatalogStore, ttl time.Duration) *CatalogCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CatalogCache{
		fetcher: fetcher,
		redis:   redis,
		ttl:     ttl,
		logger:  util.GetLogger(),
	}
}

// Lookup returns the cached catalog entry for a SKU, refreshing the cache on
// a miss. Returns models.ErrUnknownSKU when the platform does not list the
// SKU either.
func (cc *CatalogCache) Lookup(ctx context.Context, sku string) (*models.CatalogEntry, error) {
	ctx, span := util.StartSpan(ctx, "CatalogCache.Lookup")
	defer span.End()

	if cc.redis == nil {
		util.CatalogCacheMissesTotal.Inc()
		return cc.lookupDirect(ctx, sku)
	}

	entry, err := cc.redis.GetCatalogEntry(ctx, sku)
	if err != nil {
		cc.logger.Warn("Catalog cache read failed, fetching direct", zap.Error(err))
		return cc.lookupDirect(ctx, sku)
	}
	if entry != nil {
		util.CatalogCacheHitsTotal.Inc()
		return entry, nil
	}

	util.CatalogCacheMissesTotal.Inc()
	if _, err := cc.RefreshAll(ctx); err != nil {
		return nil, err
	}

	entry, err = cc.redis.GetCatalogEntry(ctx, sku)
	if err == nil && entry != nil {
		return entry, nil
	}
	// A concurrent refresh elsewhere may hold the lock with its backfill
	// still in flight. Only a direct fetch can say the SKU is absent.
	return cc.lookupDirect(ctx, sku)
}

// KnownSKU reports whether the platform lists a SKU. Satisfies the queue's
// intake validator.
func (cc *CatalogCache) KnownSKU(ctx context.Context, sku string) (bool, error) {
	_, err := cc.Lookup(ctx, sku)
	if err == nil {
		return true, nil
	}
	if models.IsPermanentSync(err) {
		return false, err
	}
	if models.IsTransientSync(err) {
		return false, err
	}
	// Unknown SKU is a definitive no, not a degradation.
	return false, nil
}

// RefreshAll fetches the full catalog and backfills the cache, returning the
// number of entries cached. Concurrent refreshes across instances are
// collapsed by a short Redis lock; the loser fetches nothing, and lookups
// that still miss fall back to a direct fetch.
func (cc *CatalogCache) RefreshAll(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "CatalogCache.RefreshAll")
	defer span.End()

	if cc.redis != nil {
		acquired, err := cc.redis.AcquireLock(ctx, refreshLockKey, 30*time.Second)
		if err == nil && !acquired {
			cc.logger.Debug("Catalog refresh already in progress elsewhere")
			return 0, nil
		}
		if err == nil {
			defer func() {
				if rerr := cc.redis.ReleaseLock(context.Background(), refreshLockKey); rerr != nil {
					cc.logger.Warn("Failed to release catalog refresh lock", zap.Error(rerr))
				}
			}()
		}
	}

	entries, err := cc.fetcher.FetchCatalog(ctx)
	if err != nil {
		return 0, err
	}

	if cc.redis != nil {
		for i := range entries {
			if err := cc.redis.SetCatalogEntry(ctx, &entries[i], cc.ttl); err != nil {
				cc.logger.Warn("Failed to cache catalog entry",
					zap.String("sku", entries[i].SKU), zap.Error(err))
			}
		}
	}

	cc.logger.Info("Catalog refreshed", zap.Int("entries", len(entries)))
	return len(entries), nil
}

// ForceSync invalidates the cache and refetches everything. Exposed as the
// admin "sync products" operation.
func (cc *CatalogCache) ForceSync(ctx context.Context) (int, error) {
	if cc.redis != nil {
		if err := cc.redis.InvalidateCatalog(ctx); err != nil {
			cc.logger.Warn("Failed to invalidate catalog cache", zap.Error(err))
		}
	}
	return cc.RefreshAll(ctx)
}

func (cc *CatalogCache) lookupDirect(ctx context.Context, sku string) (*models.CatalogEntry, error) {
	entries, err := cc.fetcher.FetchCatalog(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].SKU == sku {
			return &entries[i], nil
		}
	}
	return nil, fmt.Errorf("catalog: %s: %w", sku, models.ErrUnknownSKU)
}
