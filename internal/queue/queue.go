package queue

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Publisher receives order lifecycle events. Implementations are expected to
// be best-effort: a publish failure is logged, never surfaced to the caller.
type Publisher interface {
	PublishOrderEnqueued(ctx context.Context, event *models.OrderEnqueuedEvent) error
	PublishOrderCompleted(ctx context.Context, event *models.OrderCompletedEvent) error
	PublishOrderFailed(ctx context.Context, event *models.OrderFailedEvent) error
	PublishOrderRequeued(ctx context.Context, event *models.OrderRequeuedEvent) error
}

// SKUValidator answers whether a SKU is orderable. The catalog cache
// implements it; a nil validator skips the check.
type SKUValidator interface {
	KnownSKU(ctx context.Context, sku string) (bool, error)
}

// Queue is the durable order queue. All state changes go through atomic
// compare-and-transition updates in the store, so concurrent workers can
// claim without a queue-wide lock and an invalid transition is always
// detected rather than silently applied.
type Queue struct {
	store      *store.Store
	publisher  Publisher
	validator  SKUValidator
	maxRetries int
	logger     *zap.Logger
	seq        uint64
}

// NewQueue creates the order queue service. maxRetries is the retry ceiling:
// once an order has been attempted that many times, the next requeue fails it
// terminally.
func NewQueue(st *store.Store, publisher Publisher, validator SKUValidator, maxRetries int) *Queue {
	return &Queue{
		store:      st,
		publisher:  publisher,
		validator:  validator,
		maxRetries: maxRetries,
		logger:     util.GetLogger(),
		// Seed the suffix counter from the clock so a restart within the
		// same second cannot reissue a number.
		seq: uint64(time.Now().UnixNano()),
	}
}

// EnqueueRequest is the intake payload for a new order.
type EnqueueRequest struct {
	OrderType           string
	Items               []models.LineItem
	PickupCode          string
	ExternalOrderID     string
	ExternalOrderNumber string
	TestOrder           bool
}

// Outcome resolves a processing order to a terminal state.
type Outcome struct {
	Status              string // completed or failed
	Reason              string
	ExternalOrderID     string
	ExternalOrderNumber string
}

// Enqueue validates and durably persists a new pending order, returning it
// with its assigned order number. The insert completes before return; a
// caller crash immediately afterwards cannot lose the order.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Queue.Enqueue")
	defer span.End()

	if err := q.validate(ctx, &req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	order := &models.Order{
		OrderType:           req.OrderType,
		Items:               req.Items,
		Status:              models.StatusPending,
		PickupCode:          req.PickupCode,
		ExternalOrderID:     req.ExternalOrderID,
		ExternalOrderNumber: req.ExternalOrderNumber,
		// Pickup orders stay held until the customer enters the code.
		Released:  req.OrderType != models.OrderTypePickup,
		TestOrder: req.TestOrder,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// The unique primary key is the durable guarantee against collisions;
	// the retry loop just regenerates on the rare conflict.
	var insertErr error
	for attempt := 0; attempt < 3; attempt++ {
		order.OrderNumber = q.nextOrderNumber(now)
		insertErr = q.store.InsertOrder(ctx, order)
		if insertErr == nil {
			break
		}
		if !isUniqueViolation(insertErr) {
			return nil, fmt.Errorf("failed to persist order: %w", insertErr)
		}
	}
	if insertErr != nil {
		return nil, fmt.Errorf("failed to assign order number: %w", insertErr)
	}

	util.OrdersEnqueuedTotal.WithLabelValues(order.OrderType).Inc()
	q.logger.Info("Order enqueued",
		zap.String("order_number", order.OrderNumber),
		zap.String("order_type", order.OrderType),
		zap.Int("items", len(order.Items)))

	if q.publisher != nil {
		event := &models.OrderEnqueuedEvent{
			BaseEvent:   newBaseEvent(models.EventTypeOrderEnqueued),
			OrderNumber: order.OrderNumber,
			OrderType:   order.OrderType,
			Items:       order.Items,
			TestOrder:   order.TestOrder,
		}
		if err := q.publisher.PublishOrderEnqueued(ctx, event); err != nil {
			q.logger.Error("Failed to publish OrderEnqueued event", zap.Error(err))
		}
	}

	return order, nil
}

// ClaimNext atomically hands the oldest claimable pending order to exactly
// one caller, transitioning it to processing. Oldest-first is a correctness
// requirement: stock depletion must match arrival order. Returns
// models.ErrNoPending when the queue is empty.
func (q *Queue) ClaimNext(ctx context.Context) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Queue.ClaimNext")
	defer span.End()

	for {
		orderNumber, err := q.store.OldestClaimable(ctx)
		if err != nil {
			return nil, err
		}

		won, err := q.store.MarkProcessing(ctx, orderNumber, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		if !won {
			// Another worker claimed it between select and update;
			// move on to the next candidate.
			continue
		}

		return q.store.GetOrder(ctx, orderNumber)
	}
}

// Resolve transitions a processing order to completed or failed, recording
// outcome metadata. Returns models.ErrNotFound for an unknown order number
// and models.ErrInvalidTransition when the order is not processing.
func (q *Queue) Resolve(ctx context.Context, orderNumber string, outcome Outcome) error {
	ctx, span := util.StartSpan(ctx, "Queue.Resolve")
	defer span.End()

	if outcome.Status != models.StatusCompleted && outcome.Status != models.StatusFailed {
		return fmt.Errorf("resolve to %q: %w", outcome.Status, models.ErrInvalidTransition)
	}

	ok, err := q.store.MarkResolved(ctx, orderNumber, outcome.Status, outcome.Reason,
		outcome.ExternalOrderID, outcome.ExternalOrderNumber, time.Now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return q.transitionFailure(ctx, orderNumber, outcome.Status)
	}

	order, err := q.store.GetOrder(ctx, orderNumber)
	if err != nil {
		return err
	}

	switch outcome.Status {
	case models.StatusCompleted:
		util.OrdersCompletedTotal.Inc()
		q.logger.Info("Order completed",
			zap.String("order_number", orderNumber),
			zap.Int("attempts", order.Attempts))
		if q.publisher != nil {
			event := &models.OrderCompletedEvent{
				BaseEvent:           newBaseEvent(models.EventTypeOrderCompleted),
				OrderNumber:         orderNumber,
				ExternalOrderNumber: order.ExternalOrderNumber,
				Attempts:            order.Attempts,
			}
			if err := q.publisher.PublishOrderCompleted(ctx, event); err != nil {
				q.logger.Error("Failed to publish OrderCompleted event", zap.Error(err))
			}
		}
	case models.StatusFailed:
		util.OrdersFailedTotal.WithLabelValues(failureLabel(outcome.Reason)).Inc()
		q.logger.Warn("Order failed",
			zap.String("order_number", orderNumber),
			zap.String("reason", outcome.Reason),
			zap.Int("attempts", order.Attempts))
		if q.publisher != nil {
			event := &models.OrderFailedEvent{
				BaseEvent:   newBaseEvent(models.EventTypeOrderFailed),
				OrderNumber: orderNumber,
				Reason:      outcome.Reason,
				Attempts:    order.Attempts,
			}
			if err := q.publisher.PublishOrderFailed(ctx, event); err != nil {
				q.logger.Error("Failed to publish OrderFailed event", zap.Error(err))
			}
		}
	}

	return nil
}

// Requeue sends a processing order back to pending after a transient failure,
// or terminally fails it once the retry ceiling is reached. The attempt count
// was already bumped when the order was claimed.
func (q *Queue) Requeue(ctx context.Context, orderNumber, reason string) error {
	ctx, span := util.StartSpan(ctx, "Queue.Requeue")
	defer span.End()

	order, err := q.store.GetOrder(ctx, orderNumber)
	if err != nil {
		return err
	}
	if order.Status != models.StatusProcessing {
		return fmt.Errorf("requeue %s in state %s: %w", orderNumber, order.Status, models.ErrInvalidTransition)
	}

	if order.Attempts >= q.maxRetries {
		return q.Resolve(ctx, orderNumber, Outcome{
			Status: models.StatusFailed,
			Reason: fmt.Sprintf("retry ceiling reached after %d attempts: %s", order.Attempts, reason),
		})
	}

	ok, err := q.store.MarkPending(ctx, orderNumber, reason, time.Now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return q.transitionFailure(ctx, orderNumber, models.StatusPending)
	}

	util.OrdersRequeuedTotal.Inc()
	q.logger.Warn("Order requeued",
		zap.String("order_number", orderNumber),
		zap.String("reason", reason),
		zap.Int("attempts", order.Attempts))

	if q.publisher != nil {
		event := &models.OrderRequeuedEvent{
			BaseEvent:   newBaseEvent(models.EventTypeOrderRequeued),
			OrderNumber: orderNumber,
			Reason:      reason,
			Attempts:    order.Attempts,
		}
		if err := q.publisher.PublishOrderRequeued(ctx, event); err != nil {
			q.logger.Error("Failed to publish OrderRequeued event", zap.Error(err))
		}
	}

	return nil
}

// RecoverStale requeues orders abandoned in processing. Dispensing is not
// idempotent, so an interrupted order is never assumed complete; it is
// re-attempted through a fresh claim, or terminally failed if it already
// exhausted its retries. olderThan bounds which claims count as abandoned:
// startup passes zero (no prior worker can be alive), the periodic sweep
// passes the per-order timeout so a claim a live worker still holds is
// never handed to a second one.
func (q *Queue) RecoverStale(ctx context.Context, olderThan time.Duration) (requeued, failed int, err error) {
	now := time.Now().UTC()
	stale, err := q.store.ListProcessing(ctx, now.Add(-olderThan))
	if err != nil {
		return 0, 0, err
	}
	for _, order := range stale {
		if order.Attempts >= q.maxRetries {
			ok, rerr := q.store.MarkResolved(ctx, order.OrderNumber, models.StatusFailed,
				"interrupted and retry ceiling reached", "", "", now)
			if rerr != nil {
				return requeued, failed, rerr
			}
			if ok {
				failed++
				util.OrdersFailedTotal.WithLabelValues("recovery_ceiling").Inc()
			}
			continue
		}

		ok, rerr := q.store.MarkPending(ctx, order.OrderNumber, "recovered after restart", now)
		if rerr != nil {
			return requeued, failed, rerr
		}
		if ok {
			requeued++
			util.OrdersRecoveredTotal.Inc()
		}
	}

	if requeued > 0 || failed > 0 {
		q.logger.Warn("Recovered stale processing orders",
			zap.Int("requeued", requeued),
			zap.Int("failed", failed))
	}
	return requeued, failed, nil
}

// VerifyPickup releases a held pickup order so the coordinator can claim it.
// Codes are single-use.
func (q *Queue) VerifyPickup(ctx context.Context, pickupCode string) (*models.Order, error) {
	if pickupCode == "" {
		return nil, models.NewValidationError("pickup_code", "must not be empty")
	}
	order, err := q.store.ReleasePickup(ctx, pickupCode, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	q.logger.Info("Pickup order released",
		zap.String("order_number", order.OrderNumber))
	return order, nil
}

// GetOrder retrieves an order by number
func (q *Queue) GetOrder(ctx context.Context, orderNumber string) (*models.Order, error) {
	return q.store.GetOrder(ctx, orderNumber)
}

// ListOrders returns recent orders for the operator view
func (q *Queue) ListOrders(ctx context.Context, status string, limit int) ([]*models.Order, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return q.store.ListOrders(ctx, status, limit)
}

// Counts returns per-state order counts
func (q *Queue) Counts(ctx context.Context) (map[string]int, error) {
	return q.store.CountByStatus(ctx)
}

func (q *Queue) validate(ctx context.Context, req *EnqueueRequest) error {
	if req.OrderType != models.OrderTypeKiosk && req.OrderType != models.OrderTypePickup {
		return models.NewValidationError("order_type", fmt.Sprintf("unknown order type %q", req.OrderType))
	}
	if req.OrderType == models.OrderTypePickup && req.PickupCode == "" {
		return models.NewValidationError("pickup_code", "pickup orders require a pickup code")
	}
	if len(req.Items) == 0 {
		return models.NewValidationError("items", "order must contain at least one line item")
	}
	for i, item := range req.Items {
		if item.SKU == "" {
			return models.NewValidationError(fmt.Sprintf("items[%d].sku", i), "must not be empty")
		}
		if item.Quantity < 1 {
			return models.NewValidationError(fmt.Sprintf("items[%d].quantity", i), "must be at least 1")
		}
		if q.validator != nil {
			known, err := q.validator.KnownSKU(ctx, item.SKU)
			if err != nil {
				q.logger.Warn("SKU validation degraded, accepting order",
					zap.String("sku", item.SKU), zap.Error(err))
				continue
			}
			if !known {
				return models.NewValidationError(fmt.Sprintf("items[%d].sku", i),
					fmt.Sprintf("unknown sku %q", item.SKU))
			}
		}
	}
	return nil
}

// transitionFailure classifies a lost compare-and-transition: the order is
// either gone entirely or in a state the transition does not permit. Invalid
// transitions indicate a concurrency bug and are surfaced loudly, never
// swallowed or retried.
func (q *Queue) transitionFailure(ctx context.Context, orderNumber, target string) error {
	order, err := q.store.GetOrder(ctx, orderNumber)
	if err != nil {
		return err
	}
	q.logger.Error("Invalid order state transition attempted",
		zap.String("order_number", orderNumber),
		zap.String("from", order.Status),
		zap.String("to", target))
	return fmt.Errorf("%s -> %s for order %s: %w", order.Status, target, orderNumber, models.ErrInvalidTransition)
}

func (q *Queue) nextOrderNumber(now time.Time) string {
	seq := atomic.AddUint64(&q.seq, 1)
	return fmt.Sprintf("K%s-%04d", now.UTC().Format("20060102150405"), seq%10000)
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

func failureLabel(reason string) string {
	switch {
	case strings.Contains(reason, "insufficient stock"):
		return "insufficient_stock"
	case strings.Contains(reason, "retry ceiling"):
		return "retry_ceiling"
	case strings.Contains(reason, "mechanical"):
		return "mechanical"
	case strings.Contains(reason, "platform"):
		return "platform"
	default:
		return "other"
	}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
