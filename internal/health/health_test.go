package health

import (
	"context"
	"errors"
	"testing"

	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPinger struct{ err error }

func (p *stubPinger) Ping(context.Context) error { return p.err }

type stubCounter struct {
	counts map[string]int
	err    error
}

func (c *stubCounter) Counts(context.Context) (map[string]int, error) { return c.counts, c.err }

type stubPlatform struct {
	connected bool
	lastErr   string
}

func (p *stubPlatform) Connected() (bool, string) { return p.connected, p.lastErr }

func TestSnapshotAllHealthy(t *testing.T) {
	agg := NewAggregator(
		&stubPinger{},
		&stubPinger{},
		&stubCounter{counts: map[string]int{
			models.StatusPending:    2,
			models.StatusProcessing: 1,
			models.StatusCompleted:  40,
			models.StatusFailed:     3,
		}},
		&stubPlatform{connected: true},
	)

	snap := agg.Snapshot(context.Background())
	require.NotNil(t, snap)
	assert.True(t, snap.StoreConnected)
	assert.True(t, snap.CacheConnected)
	assert.True(t, snap.PlatformConnected)
	assert.Equal(t, 2, snap.PendingOrders)
	assert.Equal(t, 1, snap.ProcessingOrders)
	assert.Equal(t, 40, snap.CompletedOrders)
	assert.Equal(t, 3, snap.FailedOrders)
	assert.Empty(t, snap.LastError)
	assert.False(t, snap.Timestamp.IsZero())
	assert.True(t, agg.Healthy(snap))
}

func TestSnapshotStoreDown(t *testing.T) {
	agg := NewAggregator(
		&stubPinger{err: errors.New("connection refused")},
		&stubPinger{},
		&stubCounter{counts: map[string]int{}},
		&stubPlatform{connected: true},
	)

	snap := agg.Snapshot(context.Background())
	assert.False(t, snap.StoreConnected)
	assert.Contains(t, snap.LastError, "store:")
	assert.False(t, agg.Healthy(snap))
}

func TestSnapshotPlatformDownStillHealthy(t *testing.T) {
	// The kiosk keeps dispensing local stock while the platform is out.
	agg := NewAggregator(
		&stubPinger{},
		&stubPinger{},
		&stubCounter{counts: map[string]int{}},
		&stubPlatform{connected: false, lastErr: "dial tcp: timeout"},
	)

	snap := agg.Snapshot(context.Background())
	assert.False(t, snap.PlatformConnected)
	assert.Contains(t, snap.LastError, "platform:")
	assert.True(t, agg.Healthy(snap))
}

func TestSnapshotNilCacheTreatedHealthy(t *testing.T) {
	agg := NewAggregator(
		&stubPinger{},
		nil,
		&stubCounter{counts: map[string]int{}},
		&stubPlatform{connected: true},
	)

	snap := agg.Snapshot(context.Background())
	assert.True(t, snap.CacheConnected)
	assert.True(t, agg.Healthy(snap))
}

func TestSnapshotCountsFailureDegrades(t *testing.T) {
	agg := NewAggregator(
		&stubPinger{},
		&stubPinger{},
		&stubCounter{err: errors.New("query failed")},
		&stubPlatform{connected: true},
	)

	snap := agg.Snapshot(context.Background())
	assert.Contains(t, snap.LastError, "queue:")
	assert.Zero(t, snap.PendingOrders)
}

func TestSnapshotReportsFirstError(t *testing.T) {
	agg := NewAggregator(
		&stubPinger{err: errors.New("store down")},
		&stubPinger{err: errors.New("cache down")},
		&stubCounter{counts: map[string]int{}},
		&stubPlatform{connected: false, lastErr: "platform down"},
	)

	snap := agg.Snapshot(context.Background())
	assert.False(t, snap.StoreConnected)
	assert.False(t, snap.CacheConnected)
	assert.Contains(t, snap.LastError, "store:")
}
