package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the durable persistence layer for the order queue and the shelf
// slots. Production runs on Postgres; single-box kiosk deployments and tests
// run on SQLite. Every query uses ? placeholders and Rebind so both drivers
// see the same statements, and every update is a single atomic statement so
// readers never observe a partial write.
type Store struct {
	db     *sqlx.DB
	driver string
}

const schema = `
CREATE TABLE IF NOT EXISTS order_queue (
	order_number          TEXT PRIMARY KEY,
	order_type            TEXT NOT NULL,
	items                 TEXT NOT NULL,
	status                TEXT NOT NULL DEFAULT 'pending',
	attempts              INTEGER NOT NULL DEFAULT 0,
	last_error            TEXT NOT NULL DEFAULT '',
	external_order_id     TEXT NOT NULL DEFAULT '',
	external_order_number TEXT NOT NULL DEFAULT '',
	pickup_code           TEXT NOT NULL DEFAULT '',
	released              BOOLEAN NOT NULL DEFAULT TRUE,
	test_order            BOOLEAN NOT NULL DEFAULT FALSE,
	created_at            TIMESTAMP NOT NULL,
	updated_at            TIMESTAMP NOT NULL,
	processed_at          TIMESTAMP,
	completed_at          TIMESTAMP,
	CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
	CHECK (order_type IN ('kiosk_direct', 'pickup'))
);

CREATE INDEX IF NOT EXISTS idx_order_queue_claim
	ON order_queue (status, created_at);
CREATE INDEX IF NOT EXISTS idx_order_queue_pickup
	ON order_queue (pickup_code);

CREATE TABLE IF NOT EXISTS shelf_slots (
	shelf_number INTEGER PRIMARY KEY,
	sku          TEXT,
	product_name TEXT NOT NULL DEFAULT '',
	stock        INTEGER NOT NULL DEFAULT 0,
	capacity     INTEGER NOT NULL DEFAULT 10,
	updated_at   TIMESTAMP NOT NULL,
	CHECK (shelf_number BETWEEN 1 AND 40),
	CHECK (stock >= 0),
	CHECK (stock <= capacity),
	CHECK (capacity > 0)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_shelf_slots_sku
	ON shelf_slots (sku) WHERE sku IS NOT NULL;

CREATE TABLE IF NOT EXISTS reservations (
	id           TEXT PRIMARY KEY,
	sku          TEXT NOT NULL,
	shelf_number INTEGER NOT NULL,
	quantity     INTEGER NOT NULL,
	created_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_events (
	event_id     TEXT PRIMARY KEY,
	event_type   TEXT NOT NULL,
	processed_at TIMESTAMP NOT NULL
);
`

// NewStore opens the database, applies connection limits appropriate to the
// driver and bootstraps the schema.
func NewStore(driver, dsn string) (*Store, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == "sqlite3" {
		// SQLite allows one writer; pooling more connections just trades
		// lock errors for queueing in the driver.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
	}

	return &Store{db: db, driver: driver}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database reachability for the health feed
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

// IsEventProcessed checks if a broker event has already been handled
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		s.rebind("SELECT COUNT(1) FROM processed_events WHERE event_id = ?"), eventID)
	return count > 0, err
}

// MarkEventProcessed records a broker event as handled
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind("INSERT INTO processed_events (event_id, event_type, processed_at) VALUES (?, ?, ?) ON CONFLICT (event_id) DO NOTHING"),
		eventID, eventType, time.Now().UTC())
	return err
}
