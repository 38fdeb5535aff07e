package inventory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StockPublisher receives low-stock events for the ops dashboard.
type StockPublisher interface {
	PublishStockLow(ctx context.Context, event *models.StockLowEvent) error
}

// Inventory is the shelf inventory service: the authoritative answer to "can
// this order be fulfilled physically". Reservations are serialized per SKU so
// two concurrent reserves can never jointly oversell a slot, while unrelated
// SKUs proceed without contention. The conditional decrement in the store is
// the cross-process backstop for the same invariant. Reservations are durable
// rows, so stock held by a run that crashed mid-dispense is restored by
// RecoverOrphans at next start instead of leaking.
type Inventory struct {
	store     *store.Store
	publisher StockPublisher
	logger    *zap.Logger

	skuLocks sync.Map // sku -> *sync.Mutex

	lowStockThreshold int
}

// NewInventory creates the shelf inventory service
func NewInventory(st *store.Store, publisher StockPublisher, lowStockThreshold int) *Inventory {
	return &Inventory{
		store:             st,
		publisher:         publisher,
		logger:            util.GetLogger(),
		lowStockThreshold: lowStockThreshold,
	}
}

func (inv *Inventory) lockFor(sku string) *sync.Mutex {
	actual, _ := inv.skuLocks.LoadOrStore(sku, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// Reserve provisionally takes quantity units of a SKU off its shelf slot,
// returning a handle that must later be committed or released. Fails with
// models.ErrUnknownSKU when no slot holds the SKU and
// models.ErrInsufficientStock when the slot cannot cover the quantity.
func (inv *Inventory) Reserve(ctx context.Context, sku string, quantity int) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "Inventory.Reserve")
	defer span.End()

	if quantity < 1 {
		return nil, models.NewValidationError("quantity", "must be at least 1")
	}

	lock := inv.lockFor(sku)
	lock.Lock()
	defer lock.Unlock()

	slot, err := inv.store.GetSlotBySKU(ctx, sku)
	if err != nil {
		util.ReservationsFailedTotal.WithLabelValues("unknown_sku").Inc()
		return nil, err
	}

	if err := inv.store.DecrementStock(ctx, sku, quantity, time.Now().UTC()); err != nil {
		util.ReservationsFailedTotal.WithLabelValues("insufficient_stock").Inc()
		return nil, err
	}

	res := &models.Reservation{
		ID:          uuid.New().String(),
		SKU:         sku,
		ShelfNumber: slot.ShelfNumber,
		Quantity:    quantity,
		CreatedAt:   time.Now().UTC(),
	}

	if err := inv.store.InsertReservation(ctx, res); err != nil {
		if rerr := inv.store.IncrementStock(ctx, slot.ShelfNumber, quantity, time.Now().UTC()); rerr != nil {
			inv.logger.Error("Failed to restore stock after reservation insert failure",
				zap.String("sku", sku), zap.Error(rerr))
		}
		return nil, fmt.Errorf("failed to record reservation: %w", err)
	}

	remaining := slot.Stock - quantity
	util.ShelfStockGauge.WithLabelValues(strconv.Itoa(slot.ShelfNumber)).Set(float64(remaining))

	inv.logger.Debug("Stock reserved",
		zap.String("sku", sku),
		zap.Int("shelf", slot.ShelfNumber),
		zap.Int("quantity", quantity),
		zap.Int("remaining", remaining))

	if remaining <= inv.lowStockThreshold && inv.publisher != nil {
		event := &models.StockLowEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeStockLow,
				Timestamp: time.Now().UTC(),
			},
			ShelfNumber: slot.ShelfNumber,
			SKU:         sku,
			Stock:       remaining,
		}
		if err := inv.publisher.PublishStockLow(ctx, event); err != nil {
			inv.logger.Error("Failed to publish StockLow event", zap.Error(err))
		}
	}

	return res, nil
}

// Commit finalizes a reservation after a successful dispense. Stock was
// already decremented at reserve time; commit only removes the durable
// reservation row.
func (inv *Inventory) Commit(ctx context.Context, res *models.Reservation) error {
	ctx, span := util.StartSpan(ctx, "Inventory.Commit")
	defer span.End()

	ok, err := inv.store.DeleteReservation(ctx, res.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("reservation %s: %w", res.ID, models.ErrNotFound)
	}
	return nil
}

// Release reverses a reservation, restoring the decremented stock. Used when
// dispensing fails after reservation but before the product left the shelf.
// res.Quantity may be lowered below the reserved amount to release only the
// undispensed remainder of a line.
func (inv *Inventory) Release(ctx context.Context, res *models.Reservation) error {
	ctx, span := util.StartSpan(ctx, "Inventory.Release")
	defer span.End()

	lock := inv.lockFor(res.SKU)
	lock.Lock()
	defer lock.Unlock()

	ok, err := inv.store.ReleaseReservation(ctx, res.ID, res.Quantity, time.Now().UTC())
	if err != nil {
		inv.logger.Error("Failed to restore stock on release",
			zap.String("sku", res.SKU),
			zap.Int("shelf", res.ShelfNumber),
			zap.Int("quantity", res.Quantity),
			zap.Error(err))
		return err
	}
	if !ok {
		return fmt.Errorf("reservation %s: %w", res.ID, models.ErrNotFound)
	}

	if slot, err := inv.store.GetSlot(ctx, res.ShelfNumber); err == nil {
		util.ShelfStockGauge.WithLabelValues(strconv.Itoa(slot.ShelfNumber)).Set(float64(slot.Stock))
	}

	inv.logger.Debug("Reservation released",
		zap.String("sku", res.SKU),
		zap.Int("shelf", res.ShelfNumber),
		zap.Int("quantity", res.Quantity))
	return nil
}

// RecoverOrphans releases reservations left behind by a crashed run,
// restoring their stock. None of the reserved units were confirmed dispensed,
// and the owning order goes back through a fresh reserve, so restoring the
// full quantity keeps DB stock aligned with the shelves. Runs at startup
// before any worker claims.
func (inv *Inventory) RecoverOrphans(ctx context.Context) (int, error) {
	orphans, err := inv.store.ListReservations(ctx)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, res := range orphans {
		ok, err := inv.store.ReleaseReservation(ctx, res.ID, res.Quantity, time.Now().UTC())
		if err != nil {
			inv.logger.Error("Failed to release orphaned reservation",
				zap.String("reservation", res.ID),
				zap.String("sku", res.SKU),
				zap.Error(err))
			continue
		}
		if ok {
			released++
		}
	}

	if released > 0 {
		inv.logger.Warn("Released orphaned reservations", zap.Int("count", released))
	}
	return released, nil
}

// AssignSlot binds a SKU to a shelf slot with a display name and capacity.
// Rejected when the SKU already occupies a different slot, when the capacity
// is not positive, or when the shelf zone cannot hold the product's box size.
func (inv *Inventory) AssignSlot(ctx context.Context, shelfNumber int, sku, productName string, capacity int, boxSize string) (*models.ShelfSlot, error) {
	if shelfNumber < models.MinShelfNumber || shelfNumber > models.MaxShelfNumber {
		return nil, models.NewValidationError("shelf_number",
			fmt.Sprintf("must be between %d and %d", models.MinShelfNumber, models.MaxShelfNumber))
	}
	if sku == "" {
		return nil, models.NewValidationError("sku", "must not be empty")
	}
	if capacity < 1 {
		return nil, models.NewValidationError("capacity", "must be positive")
	}
	if !models.ShelfCompatible(shelfNumber, boxSize) {
		return nil, models.NewValidationError("shelf_number",
			fmt.Sprintf("shelf %d cannot hold a %s box", shelfNumber, boxSize))
	}

	if existing, err := inv.store.GetSlotBySKU(ctx, sku); err == nil && existing.ShelfNumber != shelfNumber {
		return nil, models.NewValidationError("sku",
			fmt.Sprintf("sku %s already assigned to shelf %d", sku, existing.ShelfNumber))
	}

	lock := inv.lockFor(sku)
	lock.Lock()
	defer lock.Unlock()

	// Keep current stock when re-saving the same assignment, reset when the
	// slot changes product.
	stock := 0
	if current, err := inv.store.GetSlot(ctx, shelfNumber); err == nil && current.SKU == sku {
		stock = current.Stock
		if stock > capacity {
			return nil, models.NewValidationError("capacity",
				fmt.Sprintf("capacity %d below current stock %d", capacity, stock))
		}
	}

	slot := &models.ShelfSlot{
		ShelfNumber: shelfNumber,
		SKU:         sku,
		ProductName: productName,
		Stock:       stock,
		Capacity:    capacity,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := inv.store.SaveSlot(ctx, slot); err != nil {
		return nil, fmt.Errorf("failed to save slot: %w", err)
	}

	util.ShelfStockGauge.WithLabelValues(strconv.Itoa(shelfNumber)).Set(float64(stock))
	inv.logger.Info("Shelf assigned",
		zap.Int("shelf", shelfNumber),
		zap.String("sku", sku),
		zap.Int("capacity", capacity))
	return slot, nil
}

// Restock adds stock to a slot after a physical refill, refusing to exceed
// capacity.
func (inv *Inventory) Restock(ctx context.Context, shelfNumber, quantity int) (*models.ShelfSlot, error) {
	if quantity < 1 {
		return nil, models.NewValidationError("quantity", "must be at least 1")
	}

	slot, err := inv.store.GetSlot(ctx, shelfNumber)
	if err != nil {
		return nil, err
	}
	if slot.SKU == "" {
		return nil, models.NewValidationError("shelf_number",
			fmt.Sprintf("shelf %d has no assigned sku", shelfNumber))
	}

	lock := inv.lockFor(slot.SKU)
	lock.Lock()
	defer lock.Unlock()

	if err := inv.store.IncrementStock(ctx, shelfNumber, quantity, time.Now().UTC()); err != nil {
		return nil, err
	}

	slot, err = inv.store.GetSlot(ctx, shelfNumber)
	if err != nil {
		return nil, err
	}
	util.ShelfStockGauge.WithLabelValues(strconv.Itoa(shelfNumber)).Set(float64(slot.Stock))
	inv.logger.Info("Shelf restocked",
		zap.Int("shelf", shelfNumber),
		zap.Int("quantity", quantity),
		zap.Int("stock", slot.Stock))
	return slot, nil
}

// ClearSlot unassigns a slot entirely
func (inv *Inventory) ClearSlot(ctx context.Context, shelfNumber int) error {
	if shelfNumber < models.MinShelfNumber || shelfNumber > models.MaxShelfNumber {
		return models.NewValidationError("shelf_number",
			fmt.Sprintf("must be between %d and %d", models.MinShelfNumber, models.MaxShelfNumber))
	}
	return inv.store.ClearSlot(ctx, shelfNumber, time.Now().UTC())
}

// GetSlot retrieves one slot
func (inv *Inventory) GetSlot(ctx context.Context, shelfNumber int) (*models.ShelfSlot, error) {
	return inv.store.GetSlot(ctx, shelfNumber)
}

// ListSlots returns all slots in shelf order
func (inv *Inventory) ListSlots(ctx context.Context) ([]*models.ShelfSlot, error) {
	return inv.store.ListSlots(ctx)
}
