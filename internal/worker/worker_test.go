package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/queue"
	"fulfillment-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker(t *testing.T) (*PickupWorker, *queue.Queue) {
	t.Helper()

	st, err := store.NewStore("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q := queue.NewQueue(st, nil, nil, 3)
	return NewPickupWorker(nil, q, st), q
}

func pickupEvent(eventID string) *models.PickupOrderReceivedEvent {
	return &models.PickupOrderReceivedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   eventID,
			EventType: models.EventTypePickupReceived,
			Timestamp: time.Now().UTC(),
		},
		ExternalOrderID:     "ext-77",
		ExternalOrderNumber: "1042",
		PickupCode:          "4821",
		Items:               []models.LineItem{{SKU: "COLA-330", Quantity: 1}},
	}
}

func TestHandlePickupOrderEnqueuesHeld(t *testing.T) {
	w, q := newTestWorker(t)
	ctx := context.Background()

	require.NoError(t, w.handlePickupOrder(ctx, pickupEvent("evt-1")))

	// Held until the code is verified at the kiosk.
	_, err := q.ClaimNext(ctx)
	assert.ErrorIs(t, err, models.ErrNoPending)

	order, err := q.VerifyPickup(ctx, "4821")
	require.NoError(t, err)
	assert.Equal(t, "ext-77", order.ExternalOrderID)
	assert.Equal(t, "1042", order.ExternalOrderNumber)

	_, err = q.ClaimNext(ctx)
	assert.NoError(t, err)
}

func TestHandlePickupOrderDropsReplay(t *testing.T) {
	w, q := newTestWorker(t)
	ctx := context.Background()

	require.NoError(t, w.handlePickupOrder(ctx, pickupEvent("evt-1")))
	require.NoError(t, w.handlePickupOrder(ctx, pickupEvent("evt-1")))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.StatusPending])
}

func TestHandlePickupOrderInvalidPayload(t *testing.T) {
	w, _ := newTestWorker(t)

	event := pickupEvent("evt-2")
	event.Items = nil

	var ve *models.ValidationError
	assert.ErrorAs(t, w.handlePickupOrder(context.Background(), event), &ve)
}
