package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
)

type slotRow struct {
	ShelfNumber int            `db:"shelf_number"`
	SKU         sql.NullString `db:"sku"`
	ProductName string         `db:"product_name"`
	Stock       int            `db:"stock"`
	Capacity    int            `db:"capacity"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r *slotRow) toSlot() *models.ShelfSlot {
	return &models.ShelfSlot{
		ShelfNumber: r.ShelfNumber,
		SKU:         r.SKU.String,
		ProductName: r.ProductName,
		Stock:       r.Stock,
		Capacity:    r.Capacity,
		UpdatedAt:   r.UpdatedAt,
	}
}

const slotColumns = "shelf_number, sku, product_name, stock, capacity, updated_at"

// GetSlot retrieves a shelf slot by number
func (s *Store) GetSlot(ctx context.Context, shelfNumber int) (*models.ShelfSlot, error) {
	var row slotRow
	err := s.db.GetContext(ctx, &row,
		s.rebind("SELECT "+slotColumns+" FROM shelf_slots WHERE shelf_number = ?"), shelfNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("shelf %d: %w", shelfNumber, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toSlot(), nil
}

// GetSlotBySKU retrieves the slot assigned a SKU. At most one slot may hold
// any given SKU; the partial unique index enforces it.
func (s *Store) GetSlotBySKU(ctx context.Context, sku string) (*models.ShelfSlot, error) {
	var row slotRow
	err := s.db.GetContext(ctx, &row,
		s.rebind("SELECT "+slotColumns+" FROM shelf_slots WHERE sku = ?"), sku)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sku %s: %w", sku, models.ErrUnknownSKU)
	}
	if err != nil {
		return nil, err
	}
	return row.toSlot(), nil
}

// ListSlots returns all shelf slots in shelf order
func (s *Store) ListSlots(ctx context.Context) ([]*models.ShelfSlot, error) {
	var rows []slotRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+slotColumns+" FROM shelf_slots ORDER BY shelf_number")
	if err != nil {
		return nil, err
	}
	slots := make([]*models.ShelfSlot, 0, len(rows))
	for i := range rows {
		slots = append(slots, rows[i].toSlot())
	}
	return slots, nil
}

// SaveSlot upserts a slot's assignment. SKU is stored NULL when empty so the
// unique index only binds assigned slots.
func (s *Store) SaveSlot(ctx context.Context, slot *models.ShelfSlot) error {
	var sku interface{}
	if slot.SKU != "" {
		sku = slot.SKU
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO shelf_slots (shelf_number, sku, product_name, stock, capacity, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (shelf_number) DO UPDATE SET
			sku = excluded.sku,
			product_name = excluded.product_name,
			stock = excluded.stock,
			capacity = excluded.capacity,
			updated_at = excluded.updated_at`),
		slot.ShelfNumber, sku, slot.ProductName, slot.Stock, slot.Capacity, slot.UpdatedAt)
	return err
}

// ClearSlot unassigns a slot and zeroes its stock
func (s *Store) ClearSlot(ctx context.Context, shelfNumber int, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE shelf_slots
		SET sku = NULL, product_name = '', stock = 0, updated_at = ?
		WHERE shelf_number = ?`),
		now, shelfNumber)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("shelf %d: %w", shelfNumber, models.ErrNotFound)
	}
	return nil
}

type reservationRow struct {
	ID          string    `db:"id"`
	SKU         string    `db:"sku"`
	ShelfNumber int       `db:"shelf_number"`
	Quantity    int       `db:"quantity"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r *reservationRow) toReservation() *models.Reservation {
	return &models.Reservation{
		ID:          r.ID,
		SKU:         r.SKU,
		ShelfNumber: r.ShelfNumber,
		Quantity:    r.Quantity,
		CreatedAt:   r.CreatedAt,
	}
}

// InsertReservation durably records an in-flight reservation. The row exists
// for the window between the stock decrement and the commit or release, so a
// crash inside that window can be reconciled at next start.
func (s *Store) InsertReservation(ctx context.Context, res *models.Reservation) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO reservations (id, sku, shelf_number, quantity, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		res.ID, res.SKU, res.ShelfNumber, res.Quantity, res.CreatedAt)
	return err
}

// DeleteReservation removes a reservation without touching stock, finalizing
// a dispensed one. Returns false when no such reservation exists.
func (s *Store) DeleteReservation(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind("DELETE FROM reservations WHERE id = ?"), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseReservation deletes a reservation and returns restore units to its
// shelf in one transaction. restore may be less than the reserved quantity
// when part of the line was already dispensed. Returns false when no such
// reservation exists; on a capacity conflict the row is kept so the release
// can be retried.
func (s *Store) ReleaseReservation(ctx context.Context, id string, restore int, now time.Time) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var row reservationRow
	err = tx.GetContext(ctx, &row,
		s.rebind("SELECT id, sku, shelf_number, quantity, created_at FROM reservations WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx,
		s.rebind("DELETE FROM reservations WHERE id = ?"), id); err != nil {
		return false, err
	}

	if restore > 0 {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE shelf_slots
			SET stock = stock + ?, updated_at = ?
			WHERE shelf_number = ? AND stock + ? <= capacity`),
			restore, now, row.ShelfNumber, restore)
		if err != nil {
			return false, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return false, fmt.Errorf("shelf %d: release would exceed capacity", row.ShelfNumber)
		}
	}

	return true, tx.Commit()
}

// ListReservations returns every in-flight reservation, oldest first.
func (s *Store) ListReservations(ctx context.Context) ([]*models.Reservation, error) {
	var rows []reservationRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT id, sku, shelf_number, quantity, created_at FROM reservations ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	reservations := make([]*models.Reservation, 0, len(rows))
	for i := range rows {
		reservations = append(reservations, rows[i].toReservation())
	}
	return reservations, nil
}

// DecrementStock atomically takes quantity units off a SKU's slot. The
// conditional WHERE guards against oversell even across processes: when the
// remaining stock cannot cover the quantity no row updates and
// ErrInsufficientStock is returned.
func (s *Store) DecrementStock(ctx context.Context, sku string, quantity int, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE shelf_slots
		SET stock = stock - ?, updated_at = ?
		WHERE sku = ? AND stock >= ?`),
		quantity, now, sku, quantity)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish an unassigned SKU from a shortage.
		if _, err := s.GetSlotBySKU(ctx, sku); err != nil {
			return err
		}
		return fmt.Errorf("sku %s: %w", sku, models.ErrInsufficientStock)
	}
	return nil
}

// IncrementStock atomically returns quantity units to a slot, refusing to
// exceed capacity.
func (s *Store) IncrementStock(ctx context.Context, shelfNumber, quantity int, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE shelf_slots
		SET stock = stock + ?, updated_at = ?
		WHERE shelf_number = ? AND stock + ? <= capacity`),
		quantity, now, shelfNumber, quantity)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetSlot(ctx, shelfNumber); err != nil {
			return err
		}
		return fmt.Errorf("shelf %d: restock would exceed capacity", shelfNumber)
	}
	return nil
}
