package dispense

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/platform"
	"fulfillment-service/internal/queue"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// OrderQueue is the slice of the queue the coordinator drives.
type OrderQueue interface {
	ClaimNext(ctx context.Context) (*models.Order, error)
	Resolve(ctx context.Context, orderNumber string, outcome queue.Outcome) error
	Requeue(ctx context.Context, orderNumber, reason string) error
}

// Stock is the reservation interface of the shelf inventory store.
type Stock interface {
	Reserve(ctx context.Context, sku string, quantity int) (*models.Reservation, error)
	Commit(ctx context.Context, res *models.Reservation) error
	Release(ctx context.Context, res *models.Reservation) error
}

// Sales is the order-sync slice of the external platform client.
type Sales interface {
	RecordSale(ctx context.Context, order *models.Order) (*platform.SaleResult, error)
	AcknowledgeFulfillment(ctx context.Context, externalOrderID string) error
}

// Coordinator drives claimed orders end to end: reserve shelf stock, record
// the sale on the platform, run the dispensing mechanism, then resolve the
// order and commit or release the reservations. Multiple workers run in
// parallel; the queue's compare-and-transition claim and the inventory's
// per-SKU serialization are what keep them safe, not any lock here.
type Coordinator struct {
	queue     OrderQueue
	stock     Stock
	sales     Sales
	dispenser Dispenser
	logger    *zap.Logger

	workers      int
	idleInterval time.Duration
	orderTimeout time.Duration

	wg sync.WaitGroup
}

// NewCoordinator creates a dispensing coordinator.
func NewCoordinator(q OrderQueue, stock Stock, sales Sales, dispenser Dispenser, workers int, idleInterval, orderTimeout time.Duration) *Coordinator {
	if workers < 1 {
		workers = 1
	}
	if idleInterval <= 0 {
		idleInterval = 2 * time.Second
	}
	if orderTimeout <= 0 {
		orderTimeout = 5 * time.Minute
	}
	return &Coordinator{
		queue:        q,
		stock:        stock,
		sales:        sales,
		dispenser:    dispenser,
		logger:       util.GetLogger(),
		workers:      workers,
		idleInterval: idleInterval,
		orderTimeout: orderTimeout,
	}
}

// Run starts the worker pool and blocks until ctx is cancelled and every
// worker has finished. Cancellation stops workers from claiming new orders;
// an order already being processed finishes its resolve step under its own
// detached timeout, so nothing is abandoned mid-dispense.
func (c *Coordinator) Run(ctx context.Context) {
	c.logger.Info("Starting dispensing coordinator", zap.Int("workers", c.workers))
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.workerLoop(ctx, i)
	}
	c.wg.Wait()
	c.logger.Info("Dispensing coordinator stopped")
}

// Wait blocks until all worker goroutines have exited. Callers that run Run
// in its own goroutine use this to drain on shutdown.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) workerLoop(ctx context.Context, id int) {
	defer c.wg.Done()
	logger := c.logger.With(zap.Int("worker", id))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		order, err := c.queue.ClaimNext(ctx)
		if err != nil {
			if !errors.Is(err, models.ErrNoPending) && !errors.Is(err, context.Canceled) {
				logger.Error("Claim failed", zap.Error(err))
			}
			select {
			case <-time.After(c.idleInterval):
			case <-ctx.Done():
				return
			}
			continue
		}

		// The claim is ours now; shutdown must not abort the order between
		// reserve and resolve.
		orderCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.orderTimeout)
		c.processOrder(orderCtx, logger, order)
		cancel()
	}
}

// ProcessOne claims and processes a single order. Used by tests and by the
// test-mode drain endpoint; the worker loop goes through the same path.
func (c *Coordinator) ProcessOne(ctx context.Context) error {
	order, err := c.queue.ClaimNext(ctx)
	if err != nil {
		return err
	}
	c.processOrder(ctx, c.logger, order)
	return nil
}

func (c *Coordinator) processOrder(ctx context.Context, logger *zap.Logger, order *models.Order) {
	start := time.Now()
	defer func() {
		util.DispenseCycleLatency.Observe(time.Since(start).Seconds())
	}()

	logger.Info("Processing order",
		zap.String("order_number", order.OrderNumber),
		zap.String("order_type", order.OrderType),
		zap.Int("attempt", order.Attempts))

	reservations, err := c.reserveAll(ctx, order)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInsufficientStock):
			// Physical absence will not resolve itself before the retry
			// ceiling; fail immediately.
			c.failOrder(ctx, logger, order, fmt.Sprintf("insufficient stock: %v", err))
		case errors.Is(err, models.ErrUnknownSKU):
			c.failOrder(ctx, logger, order, fmt.Sprintf("no shelf assigned: %v", err))
		default:
			if rerr := c.queue.Requeue(ctx, order.OrderNumber, err.Error()); rerr != nil {
				logger.Error("Requeue failed", zap.String("order_number", order.OrderNumber), zap.Error(rerr))
			}
		}
		return
	}

	sale, err := c.recordSale(ctx, order)
	if err != nil {
		c.releaseAll(ctx, logger, reservations)
		if models.IsTransientSync(err) {
			if rerr := c.queue.Requeue(ctx, order.OrderNumber, err.Error()); rerr != nil {
				logger.Error("Requeue failed", zap.String("order_number", order.OrderNumber), zap.Error(rerr))
			}
			return
		}
		c.failOrder(ctx, logger, order, fmt.Sprintf("platform rejected sale: %v", err))
		return
	}
	if sale != nil {
		order.ExternalOrderID = sale.ExternalOrderID
		order.ExternalOrderNumber = sale.ExternalOrderNumber
	}

	dispensed, mechErr := c.dispenseAll(ctx, logger, reservations)
	if mechErr != nil {
		// Items already on the tray stay sold; only undispensed stock goes
		// back on the shelves.
		c.settlePartial(ctx, logger, reservations, dispensed)
		reason := fmt.Sprintf("mechanical failure: %v (dispensed %s)",
			mechErr, describeDispensed(reservations, dispensed))
		c.resolve(ctx, logger, order, queue.Outcome{
			Status:              models.StatusFailed,
			Reason:              reason,
			ExternalOrderID:     order.ExternalOrderID,
			ExternalOrderNumber: order.ExternalOrderNumber,
		})
		return
	}

	for _, res := range reservations {
		if err := c.stock.Commit(ctx, res); err != nil {
			logger.Error("Failed to commit reservation",
				zap.String("reservation", res.ID), zap.Error(err))
		}
	}

	if order.ExternalOrderID != "" {
		if err := c.sales.AcknowledgeFulfillment(ctx, order.ExternalOrderID); err != nil {
			// The product is already out of the machine; the ack is best
			// effort and a miss is an operator concern, not an order failure.
			logger.Warn("Fulfillment acknowledgement failed",
				zap.String("order_number", order.OrderNumber),
				zap.Error(err))
		}
	}

	c.resolve(ctx, logger, order, queue.Outcome{
		Status:              models.StatusCompleted,
		ExternalOrderID:     order.ExternalOrderID,
		ExternalOrderNumber: order.ExternalOrderNumber,
	})
}

// reserveAll reserves every line item or nothing: on any failure the
// already-made reservations are released before the error is returned.
func (c *Coordinator) reserveAll(ctx context.Context, order *models.Order) ([]*models.Reservation, error) {
	reservations := make([]*models.Reservation, 0, len(order.Items))
	for _, item := range order.Items {
		res, err := c.stock.Reserve(ctx, item.SKU, item.Quantity)
		if err != nil {
			c.releaseAll(ctx, c.logger, reservations)
			return nil, err
		}
		reservations = append(reservations, res)
	}
	return reservations, nil
}

// recordSale syncs the order to the platform unless it already carries an
// external reference (pickup orders were created there by the delivery
// integration). One call per processing attempt; the order number doubles as
// the idempotency key so a requeue cannot duplicate the external order.
func (c *Coordinator) recordSale(ctx context.Context, order *models.Order) (*platform.SaleResult, error) {
	if order.ExternalOrderID != "" {
		return nil, nil
	}
	return c.sales.RecordSale(ctx, order)
}

// dispenseAll pushes every reserved unit. Returns per-reservation dispensed
// unit counts and the mechanical error that stopped the run, if any.
func (c *Coordinator) dispenseAll(ctx context.Context, logger *zap.Logger, reservations []*models.Reservation) ([]int, error) {
	dispensed := make([]int, len(reservations))
	for i, res := range reservations {
		for unit := 0; unit < res.Quantity; unit++ {
			if err := c.dispenser.Dispense(ctx, res.ShelfNumber); err != nil {
				logger.Error("Dispense failed",
					zap.Int("shelf", res.ShelfNumber),
					zap.String("sku", res.SKU),
					zap.Error(err))
				return dispensed, err
			}
			dispensed[i]++
		}
	}
	return dispensed, nil
}

// settlePartial reconciles reservations after a mid-order mechanical
// failure: fully dispensed reservations are committed, undispensed units are
// released back to their shelves.
func (c *Coordinator) settlePartial(ctx context.Context, logger *zap.Logger, reservations []*models.Reservation, dispensed []int) {
	for i, res := range reservations {
		switch {
		case dispensed[i] == res.Quantity:
			if err := c.stock.Commit(ctx, res); err != nil {
				logger.Error("Failed to commit dispensed reservation",
					zap.String("reservation", res.ID), zap.Error(err))
			}
		case dispensed[i] == 0:
			if err := c.stock.Release(ctx, res); err != nil {
				logger.Error("Failed to release reservation",
					zap.String("reservation", res.ID), zap.Error(err))
			}
		default:
			// Partway through a line: the dispensed units stay sold, the
			// rest go back. Releasing a copy with the remainder quantity
			// restores exactly the undispensed stock.
			remainder := *res
			remainder.Quantity = res.Quantity - dispensed[i]
			if err := c.stock.Release(ctx, &remainder); err != nil {
				logger.Error("Failed to release undispensed remainder",
					zap.String("reservation", res.ID), zap.Error(err))
			}
		}
	}
}

func (c *Coordinator) releaseAll(ctx context.Context, logger *zap.Logger, reservations []*models.Reservation) {
	for _, res := range reservations {
		if err := c.stock.Release(ctx, res); err != nil {
			logger.Error("Failed to release reservation",
				zap.String("reservation", res.ID), zap.Error(err))
		}
	}
}

func (c *Coordinator) failOrder(ctx context.Context, logger *zap.Logger, order *models.Order, reason string) {
	c.resolve(ctx, logger, order, queue.Outcome{
		Status: models.StatusFailed,
		Reason: reason,
	})
}

func (c *Coordinator) resolve(ctx context.Context, logger *zap.Logger, order *models.Order, outcome queue.Outcome) {
	if err := c.queue.Resolve(ctx, order.OrderNumber, outcome); err != nil {
		logger.Error("Resolve failed",
			zap.String("order_number", order.OrderNumber),
			zap.String("status", outcome.Status),
			zap.Error(err))
	}
}

func describeDispensed(reservations []*models.Reservation, dispensed []int) string {
	parts := make([]string, 0, len(reservations))
	for i, res := range reservations {
		parts = append(parts, fmt.Sprintf("%s %d/%d", res.SKU, dispensed[i], res.Quantity))
	}
	return strings.Join(parts, ", ")
}
