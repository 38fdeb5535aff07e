package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
)

type orderRow struct {
	OrderNumber         string       `db:"order_number"`
	OrderType           string       `db:"order_type"`
	Items               string       `db:"items"`
	Status              string       `db:"status"`
	Attempts            int          `db:"attempts"`
	LastError           string       `db:"last_error"`
	ExternalOrderID     string       `db:"external_order_id"`
	ExternalOrderNumber string       `db:"external_order_number"`
	PickupCode          string       `db:"pickup_code"`
	Released            bool         `db:"released"`
	TestOrder           bool         `db:"test_order"`
	CreatedAt           time.Time    `db:"created_at"`
	UpdatedAt           time.Time    `db:"updated_at"`
	ProcessedAt         sql.NullTime `db:"processed_at"`
	CompletedAt         sql.NullTime `db:"completed_at"`
}

const orderColumns = `order_number, order_type, items, status, attempts, last_error,
	external_order_id, external_order_number, pickup_code, released, test_order,
	created_at, updated_at, processed_at, completed_at`

func (r *orderRow) toOrder() (*models.Order, error) {
	var items []models.LineItem
	if err := json.Unmarshal([]byte(r.Items), &items); err != nil {
		return nil, fmt.Errorf("corrupt items payload for order %s: %w", r.OrderNumber, err)
	}

	order := &models.Order{
		OrderNumber:         r.OrderNumber,
		OrderType:           r.OrderType,
		Items:               items,
		Status:              r.Status,
		Attempts:            r.Attempts,
		LastError:           r.LastError,
		ExternalOrderID:     r.ExternalOrderID,
		ExternalOrderNumber: r.ExternalOrderNumber,
		PickupCode:          r.PickupCode,
		Released:            r.Released,
		TestOrder:           r.TestOrder,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
	if r.ProcessedAt.Valid {
		t := r.ProcessedAt.Time
		order.ProcessedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		order.CompletedAt = &t
	}
	return order, nil
}

// InsertOrder persists a new order. The insert must complete before Enqueue
// returns so a caller crash immediately afterwards cannot lose the order.
func (s *Store) InsertOrder(ctx context.Context, order *models.Order) error {
	itemsJSON, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal items: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO order_queue (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)`),
		order.OrderNumber, order.OrderType, string(itemsJSON), order.Status,
		order.Attempts, order.LastError, order.ExternalOrderID,
		order.ExternalOrderNumber, order.PickupCode, order.Released,
		order.TestOrder, order.CreatedAt, order.UpdatedAt)
	return err
}

// GetOrder retrieves an order by its order number
func (s *Store) GetOrder(ctx context.Context, orderNumber string) (*models.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row,
		s.rebind("SELECT "+orderColumns+" FROM order_queue WHERE order_number = ?"), orderNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", orderNumber, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toOrder()
}

// OldestClaimable returns the order number of the oldest pending order that
// is eligible for claiming. Held pickup orders are skipped until their code
// is verified.
func (s *Store) OldestClaimable(ctx context.Context) (string, error) {
	var orderNumber string
	err := s.db.GetContext(ctx, &orderNumber, s.rebind(`
		SELECT order_number FROM order_queue
		WHERE status = ? AND released = TRUE
		ORDER BY created_at, order_number
		LIMIT 1`), models.StatusPending)
	if errors.Is(err, sql.ErrNoRows) {
		return "", models.ErrNoPending
	}
	return orderNumber, err
}

// MarkProcessing performs the atomic compare-and-transition that backs a
// claim: pending -> processing, bumping the attempt counter. The returned
// bool is false when another claimant won the race, in which case the caller
// retries with the next candidate.
func (s *Store) MarkProcessing(ctx context.Context, orderNumber string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE order_queue
		SET status = ?, attempts = attempts + 1, processed_at = ?, updated_at = ?
		WHERE order_number = ? AND status = ?`),
		models.StatusProcessing, now, now, orderNumber, models.StatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkResolved performs the atomic processing -> completed|failed transition.
func (s *Store) MarkResolved(ctx context.Context, orderNumber, status, lastError, externalID, externalNumber string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE order_queue
		SET status = ?, last_error = ?,
		    external_order_id = CASE WHEN ? = '' THEN external_order_id ELSE ? END,
		    external_order_number = CASE WHEN ? = '' THEN external_order_number ELSE ? END,
		    completed_at = ?, updated_at = ?
		WHERE order_number = ? AND status = ?`),
		status, lastError, externalID, externalID, externalNumber, externalNumber,
		now, now, orderNumber, models.StatusProcessing)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkPending performs the atomic processing -> pending transition used by
// requeue and crash recovery. The attempt counter is bumped at claim time,
// not here.
func (s *Store) MarkPending(ctx context.Context, orderNumber, reason string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE order_queue
		SET status = ?, last_error = ?, updated_at = ?
		WHERE order_number = ? AND status = ?`),
		models.StatusPending, reason, now, orderNumber, models.StatusProcessing)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleasePickup marks a held pickup order claimable after its code was
// verified at the kiosk. Codes are single-use: the match requires the order
// to still be pending and held.
func (s *Store) ReleasePickup(ctx context.Context, pickupCode string, now time.Time) (*models.Order, error) {
	var orderNumber string
	err := s.db.GetContext(ctx, &orderNumber, s.rebind(`
		SELECT order_number FROM order_queue
		WHERE pickup_code = ? AND order_type = ? AND status = ? AND released = FALSE`),
		pickupCode, models.OrderTypePickup, models.StatusPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pickup code: %w", models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE order_queue SET released = TRUE, updated_at = ?
		WHERE order_number = ? AND released = FALSE`),
		now, orderNumber)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("pickup code already used: %w", models.ErrNotFound)
	}

	return s.GetOrder(ctx, orderNumber)
}

// CountByStatus returns per-state order counts for the health feed.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT status, COUNT(1) AS n FROM order_queue GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ListOrders returns recent orders, optionally filtered by status, newest
// first. Used by the operator order view.
func (s *Store) ListOrders(ctx context.Context, status string, limit int) ([]*models.Order, error) {
	query := "SELECT " + orderColumns + " FROM order_queue"
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	var rows []orderRow
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, err
	}

	orders := make([]*models.Order, 0, len(rows))
	for i := range rows {
		order, err := rows[i].toOrder()
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// ListProcessing returns orders in processing whose claim is older than the
// cutoff, for crash recovery. A claim newer than the cutoff may belong to a
// live worker and is left alone.
func (s *Store) ListProcessing(ctx context.Context, before time.Time) ([]*models.Order, error) {
	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows, s.rebind(
		"SELECT "+orderColumns+" FROM order_queue WHERE status = ? AND processed_at <= ? ORDER BY created_at"),
		models.StatusProcessing, before.UTC())
	if err != nil {
		return nil, err
	}

	orders := make([]*models.Order, 0, len(rows))
	for i := range rows {
		order, err := rows[i].toOrder()
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}
