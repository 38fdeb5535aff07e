package worker

import (
	"context"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/queue"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// PickupWorker consumes pickup orders placed on the delivery platform and
// enqueues them held. The order only becomes claimable once the courier
// enters the pickup code at the kiosk.
type PickupWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	queue        *queue.Queue
	store        *store.Store
	logger       *zap.Logger
}

// NewPickupWorker creates a new pickup order worker
func NewPickupWorker(consumer *broker.Consumer, q *queue.Queue, st *store.Store) *PickupWorker {
	w := &PickupWorker{
		consumer: consumer,
		queue:    q,
		store:    st,
		logger:   util.GetLogger(),
	}

	eventHandler := broker.NewEventHandler()
	eventHandler.OnPickupOrderReceived(w.handlePickupOrder)
	w.eventHandler = eventHandler

	return w
}

// Start starts the worker
func (w *PickupWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting pickup order worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *PickupWorker) Stop() error {
	w.logger.Info("Stopping pickup order worker...")
	return w.consumer.Close()
}

// handlePickupOrder enqueues a held pickup order. Deliveries are at-least-once,
// so each event ID is recorded and replays are dropped.
func (w *PickupWorker) handlePickupOrder(ctx context.Context, event *models.PickupOrderReceivedEvent) error {
	processed, err := w.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return err
	}
	if processed {
		w.logger.Info("Skipping duplicate pickup event",
			zap.String("event_id", event.EventID),
			zap.String("external_order", event.ExternalOrderNumber))
		return nil
	}

	order, err := w.queue.Enqueue(ctx, queue.EnqueueRequest{
		OrderType:           models.OrderTypePickup,
		Items:               event.Items,
		PickupCode:          event.PickupCode,
		ExternalOrderID:     event.ExternalOrderID,
		ExternalOrderNumber: event.ExternalOrderNumber,
	})
	if err != nil {
		w.logger.Error("Failed to enqueue pickup order",
			zap.String("external_order", event.ExternalOrderNumber),
			zap.Error(err))
		return err
	}

	if err := w.store.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		// The order is already in, so don't fail the message. Without the
		// dedupe record a broker replay would enqueue a second copy.
		w.logger.Warn("Failed to mark event processed",
			zap.String("event_id", event.EventID),
			zap.Error(err))
	}

	w.logger.Info("Enqueued pickup order",
		zap.String("order_number", order.OrderNumber),
		zap.String("external_order", event.ExternalOrderNumber))
	return nil
}
