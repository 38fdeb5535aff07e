package health

import (
	"context"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// Pinger checks liveness of a backing connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueCounter reports per-state order counts.
type QueueCounter interface {
	Counts(ctx context.Context) (map[string]int, error)
}

// PlatformStatus reports last-known platform connectivity.
type PlatformStatus interface {
	Connected() (bool, string)
}

// Aggregator assembles a point-in-time health snapshot on demand. Nothing is
// cached between calls; each observer gets a fresh pull over every
// dependency.
type Aggregator struct {
	store    Pinger
	cache    Pinger
	queue    QueueCounter
	platform PlatformStatus
	logger   *zap.Logger
}

// NewAggregator creates the health aggregator. cache may be nil when the
// service runs without Redis.
func NewAggregator(store Pinger, cache Pinger, queue QueueCounter, platform PlatformStatus) *Aggregator {
	return &Aggregator{
		store:    store,
		cache:    cache,
		queue:    queue,
		platform: platform,
		logger:   util.GetLogger(),
	}
}

// Snapshot builds the current health view. A failing dependency degrades the
// snapshot but never fails the call: operators need the snapshot most when
// something is down.
func (a *Aggregator) Snapshot(ctx context.Context) *models.HealthSnapshot {
	snap := &models.HealthSnapshot{Timestamp: time.Now().UTC()}

	if err := a.store.Ping(ctx); err != nil {
		snap.LastError = "store: " + err.Error()
		a.logger.Warn("Store ping failed", zap.Error(err))
	} else {
		snap.StoreConnected = true
	}

	if a.cache == nil {
		snap.CacheConnected = true
	} else if err := a.cache.Ping(ctx); err != nil {
		if snap.LastError == "" {
			snap.LastError = "cache: " + err.Error()
		}
		a.logger.Warn("Cache ping failed", zap.Error(err))
	} else {
		snap.CacheConnected = true
	}

	connected, lastErr := a.platform.Connected()
	snap.PlatformConnected = connected
	if !connected && snap.LastError == "" && lastErr != "" {
		snap.LastError = "platform: " + lastErr
	}

	counts, err := a.queue.Counts(ctx)
	if err != nil {
		if snap.LastError == "" {
			snap.LastError = "queue: " + err.Error()
		}
		a.logger.Warn("Queue counts failed", zap.Error(err))
	} else {
		snap.PendingOrders = counts[models.StatusPending]
		snap.ProcessingOrders = counts[models.StatusProcessing]
		snap.CompletedOrders = counts[models.StatusCompleted]
		snap.FailedOrders = counts[models.StatusFailed]
	}

	if a.Healthy(snap) {
		util.HealthDegraded.Set(0)
	} else {
		util.HealthDegraded.Set(1)
	}
	return snap
}

// Healthy reports whether a snapshot describes a fully operational service.
// Platform connectivity is advisory: the kiosk keeps dispensing from local
// stock while the platform is unreachable.
func (a *Aggregator) Healthy(snap *models.HealthSnapshot) bool {
	return snap.StoreConnected && snap.CacheConnected
}
