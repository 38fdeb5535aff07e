package queue

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, maxRetries int) *Queue {
	t.Helper()

	st, err := store.NewStore("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewQueue(st, nil, nil, maxRetries)
}

func enqueueKioskOrder(t *testing.T, q *Queue) *models.Order {
	t.Helper()

	order, err := q.Enqueue(context.Background(), EnqueueRequest{
		OrderType: models.OrderTypeKiosk,
		Items:     []models.LineItem{{SKU: "COLA-330", Quantity: 1}},
	})
	require.NoError(t, err)
	return order
}

func TestEnqueueAssignsOrderNumber(t *testing.T) {
	q := newTestQueue(t, 3)

	order := enqueueKioskOrder(t, q)
	assert.True(t, strings.HasPrefix(order.OrderNumber, "K"))
	assert.Equal(t, models.StatusPending, order.Status)
	assert.True(t, order.Released)
	assert.Zero(t, order.Attempts)

	got, err := q.GetOrder(context.Background(), order.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, order.OrderNumber, got.OrderNumber)
}

func TestEnqueueOrderNumbersUnique(t *testing.T) {
	q := newTestQueue(t, 3)

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		order := enqueueKioskOrder(t, q)
		assert.False(t, seen[order.OrderNumber], "duplicate order number %s", order.OrderNumber)
		seen[order.OrderNumber] = true
	}
}

func TestEnqueueValidation(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()

	cases := []struct {
		name string
		req  EnqueueRequest
	}{
		{"unknown order type", EnqueueRequest{
			OrderType: "drive_through",
			Items:     []models.LineItem{{SKU: "COLA-330", Quantity: 1}},
		}},
		{"no items", EnqueueRequest{OrderType: models.OrderTypeKiosk}},
		{"empty sku", EnqueueRequest{
			OrderType: models.OrderTypeKiosk,
			Items:     []models.LineItem{{SKU: "", Quantity: 1}},
		}},
		{"zero quantity", EnqueueRequest{
			OrderType: models.OrderTypeKiosk,
			Items:     []models.LineItem{{SKU: "COLA-330", Quantity: 0}},
		}},
		{"pickup without code", EnqueueRequest{
			OrderType: models.OrderTypePickup,
			Items:     []models.LineItem{{SKU: "COLA-330", Quantity: 1}},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tc.req)
			var ve *models.ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

type stubValidator struct {
	known map[string]bool
}

func (v *stubValidator) KnownSKU(_ context.Context, sku string) (bool, error) {
	return v.known[sku], nil
}

func TestEnqueueRejectsUnknownSKU(t *testing.T) {
	st, err := store.NewStore("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q := NewQueue(st, nil, &stubValidator{known: map[string]bool{"COLA-330": true}}, 3)
	ctx := context.Background()

	_, err = q.Enqueue(ctx, EnqueueRequest{
		OrderType: models.OrderTypeKiosk,
		Items:     []models.LineItem{{SKU: "GHOST-1", Quantity: 1}},
	})
	var ve *models.ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = q.Enqueue(ctx, EnqueueRequest{
		OrderType: models.OrderTypeKiosk,
		Items:     []models.LineItem{{SKU: "COLA-330", Quantity: 1}},
	})
	assert.NoError(t, err)
}

func TestClaimNextOldestFirst(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()

	first := enqueueKioskOrder(t, q)
	second := enqueueKioskOrder(t, q)

	claimed, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.OrderNumber, claimed.OrderNumber)
	assert.Equal(t, models.StatusProcessing, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	claimed, err = q.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.OrderNumber, claimed.OrderNumber)

	_, err = q.ClaimNext(ctx)
	assert.ErrorIs(t, err, models.ErrNoPending)
}

func TestConcurrentClaimsExactlyOnce(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()

	const orders = 12
	for i := 0; i < orders; i++ {
		enqueueKioskOrder(t, q)
	}

	var mu sync.Mutex
	claimed := map[string]int{}

	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				order, err := q.ClaimNext(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				claimed[order.OrderNumber]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, orders)
	for number, n := range claimed {
		assert.Equal(t, 1, n, "order %s claimed %d times", number, n)
	}
}

func TestResolveCompleted(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()

	order := enqueueKioskOrder(t, q)
	_, err := q.ClaimNext(ctx)
	require.NoError(t, err)

	err = q.Resolve(ctx, order.OrderNumber, Outcome{
		Status:              models.StatusCompleted,
		ExternalOrderID:     "ext-1",
		ExternalOrderNumber: "1001",
	})
	require.NoError(t, err)

	got, err := q.GetOrder(ctx, order.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "ext-1", got.ExternalOrderID)
	assert.NotNil(t, got.CompletedAt)
}

func TestResolveRejectsNonTerminalStatus(t *testing.T) {
	q := newTestQueue(t, 3)

	err := q.Resolve(context.Background(), "K-any", Outcome{Status: models.StatusPending})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestResolveTwiceFails(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()

	order := enqueueKioskOrder(t, q)
	_, err := q.ClaimNext(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Resolve(ctx, order.OrderNumber, Outcome{Status: models.StatusCompleted}))

	err = q.Resolve(ctx, order.OrderNumber, Outcome{Status: models.StatusFailed, Reason: "late"})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	// The first outcome stands.
	got, err := q.GetOrder(ctx, order.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestResolveUnknownOrder(t *testing.T) {
	q := newTestQueue(t, 3)

	err := q.Resolve(context.Background(), "K-missing", Outcome{Status: models.StatusCompleted})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRequeueTransientThenSucceed(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()

	order := enqueueKioskOrder(t, q)

	_, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Requeue(ctx, order.OrderNumber, "platform timeout"))

	got, err := q.GetOrder(ctx, order.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, "platform timeout", got.LastError)

	// Second attempt succeeds.
	claimed, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Resolve(ctx, claimed.OrderNumber, Outcome{Status: models.StatusCompleted}))

	got, err = q.GetOrder(ctx, order.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
}

func TestRequeueCeilingFailsTerminally(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()

	order := enqueueKioskOrder(t, q)

	for i := 0; i < 2; i++ {
		_, err := q.ClaimNext(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Requeue(ctx, order.OrderNumber, "platform timeout"))
	}

	// Third attempt hits the ceiling: the requeue resolves the order failed.
	_, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Requeue(ctx, order.OrderNumber, "platform timeout"))

	got, err := q.GetOrder(ctx, order.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Contains(t, got.LastError, "retry ceiling")

	_, err = q.ClaimNext(ctx)
	assert.ErrorIs(t, err, models.ErrNoPending)
}

func TestRequeueRequiresProcessing(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()

	order := enqueueKioskOrder(t, q)

	err := q.Requeue(ctx, order.OrderNumber, "not claimed")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestRecoverStaleRequeues(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()

	order := enqueueKioskOrder(t, q)
	_, err := q.ClaimNext(ctx)
	require.NoError(t, err)

	// Simulates a restart with the order still in processing.
	requeued, failed, err := q.RecoverStale(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Zero(t, failed)

	got, err := q.GetOrder(ctx, order.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, "recovered after restart", got.LastError)
}

func TestRecoverStaleFailsExhausted(t *testing.T) {
	q := newTestQueue(t, 2)
	ctx := context.Background()

	order := enqueueKioskOrder(t, q)

	_, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Requeue(ctx, order.OrderNumber, "platform timeout"))
	_, err = q.ClaimNext(ctx)
	require.NoError(t, err)

	// Second attempt was interrupted and the ceiling is 2.
	requeued, failed, err := q.RecoverStale(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, requeued)
	assert.Equal(t, 1, failed)

	got, err := q.GetOrder(ctx, order.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "interrupted")
}

func TestRecoverStaleLeavesFreshClaimsAlone(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()

	order := enqueueKioskOrder(t, q)
	claimed, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.Equal(t, order.OrderNumber, claimed.OrderNumber)

	// The worker that claimed this order is still dispensing. A sweep with a
	// cutoff must not hand the order to a second claimant.
	requeued, failed, err := q.RecoverStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, requeued)
	assert.Zero(t, failed)

	_, err = q.ClaimNext(ctx)
	assert.ErrorIs(t, err, models.ErrNoPending)

	got, err := q.GetOrder(ctx, order.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
}

func TestPickupHeldUntilVerified(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()

	order, err := q.Enqueue(ctx, EnqueueRequest{
		OrderType:           models.OrderTypePickup,
		Items:               []models.LineItem{{SKU: "COLA-330", Quantity: 2}},
		PickupCode:          "8842",
		ExternalOrderID:     "ext-55",
		ExternalOrderNumber: "5500",
	})
	require.NoError(t, err)
	assert.False(t, order.Released)

	_, err = q.ClaimNext(ctx)
	assert.ErrorIs(t, err, models.ErrNoPending)

	released, err := q.VerifyPickup(ctx, "8842")
	require.NoError(t, err)
	assert.Equal(t, order.OrderNumber, released.OrderNumber)

	claimed, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, order.OrderNumber, claimed.OrderNumber)
}

func TestVerifyPickupSingleUse(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, EnqueueRequest{
		OrderType:  models.OrderTypePickup,
		Items:      []models.LineItem{{SKU: "COLA-330", Quantity: 1}},
		PickupCode: "1199",
	})
	require.NoError(t, err)

	_, err = q.VerifyPickup(ctx, "1199")
	require.NoError(t, err)

	_, err = q.VerifyPickup(ctx, "1199")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestVerifyPickupValidation(t *testing.T) {
	q := newTestQueue(t, 3)

	_, err := q.VerifyPickup(context.Background(), "")
	var ve *models.ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = q.VerifyPickup(context.Background(), "0000")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCounts(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()

	enqueueKioskOrder(t, q)
	enqueueKioskOrder(t, q)
	_, err := q.ClaimNext(ctx)
	require.NoError(t, err)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.StatusPending])
	assert.Equal(t, 1, counts[models.StatusProcessing])
}
