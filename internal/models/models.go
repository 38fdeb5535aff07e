package models

import "time"

// Order is one queued fulfillment job. Orders are retained forever once they
// reach a terminal state; the orchestrator never deletes them.
type Order struct {
	OrderNumber         string     `json:"order_number"`
	OrderType           string     `json:"order_type"`
	Items               []LineItem `json:"items"`
	Status              string     `json:"status"`
	Attempts            int        `json:"attempts"`
	LastError           string     `json:"last_error,omitempty"`
	ExternalOrderID     string     `json:"external_order_id,omitempty"`
	ExternalOrderNumber string     `json:"external_order_number,omitempty"`
	PickupCode          string     `json:"pickup_code,omitempty"`
	Released            bool       `json:"released"`
	TestOrder           bool       `json:"test_order"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	ProcessedAt         *time.Time `json:"processed_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// LineItem is one SKU/quantity pair inside an order.
type LineItem struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// ShelfSlot is one of the 40 physical dispensing slots. A slot holds at most
// one SKU and its stock never exceeds its capacity.
type ShelfSlot struct {
	ShelfNumber int       `db:"shelf_number" json:"shelf_number"`
	SKU         string    `db:"sku" json:"sku,omitempty"`
	ProductName string    `db:"product_name" json:"product_name,omitempty"`
	Stock       int       `db:"stock" json:"stock"`
	Capacity    int       `db:"capacity" json:"capacity"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Reservation is a provisional hold against one shelf slot's stock. It is
// either committed after a successful dispense or released to restore stock.
type Reservation struct {
	ID          string    `json:"id"`
	SKU         string    `json:"sku"`
	ShelfNumber int       `json:"shelf_number"`
	Quantity    int       `json:"quantity"`
	CreatedAt   time.Time `json:"created_at"`
}

// CatalogEntry is the external platform's view of a product. It is never the
// source of truth for a physical reservation; shelf stock is.
type CatalogEntry struct {
	SKU         string    `json:"sku"`
	VariantID   string    `json:"variant_id"`
	Title       string    `json:"title"`
	Price       int64     `json:"price"`
	Available   int       `json:"available"`
	ImageURL    string    `json:"image_url,omitempty"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// HealthSnapshot is the pull-model status summary served to observers. It is
// rebuilt on every call and never persisted.
type HealthSnapshot struct {
	Timestamp         time.Time `json:"timestamp"`
	PlatformConnected bool      `json:"platform_connected"`
	StoreConnected    bool      `json:"store_connected"`
	CacheConnected    bool      `json:"cache_connected"`
	PendingOrders     int       `json:"pending_orders"`
	ProcessingOrders  int       `json:"processing_orders"`
	CompletedOrders   int       `json:"completed_orders"`
	FailedOrders      int       `json:"failed_orders"`
	LastError         string    `json:"last_error,omitempty"`
}

// Order statuses
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Order types
const (
	OrderTypeKiosk  = "kiosk_direct"
	OrderTypePickup = "pickup"
)

// Shelf layout constants. The cabinet has 40 slots split into three zones by
// box size, matching the physical shelf heights.
const (
	MinShelfNumber = 1
	MaxShelfNumber = 40

	SmallZoneEnd  = 15
	MediumZoneEnd = 30
)

// Box sizes for shelf-zone compatibility
const (
	BoxSizeSmall  = "small"
	BoxSizeMedium = "medium"
	BoxSizeLarge  = "large"
)

// IsTerminal reports whether a status permits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// ShelfCompatible reports whether a shelf number can hold a product of the
// given box size. Small boxes go on 1-15, medium on 16-30, large on 31-40.
// An empty box size is allowed anywhere.
func ShelfCompatible(shelfNumber int, boxSize string) bool {
	switch boxSize {
	case BoxSizeSmall:
		return shelfNumber >= MinShelfNumber && shelfNumber <= SmallZoneEnd
	case BoxSizeMedium:
		return shelfNumber > SmallZoneEnd && shelfNumber <= MediumZoneEnd
	case BoxSizeLarge:
		return shelfNumber > MediumZoneEnd && shelfNumber <= MaxShelfNumber
	case "":
		return shelfNumber >= MinShelfNumber && shelfNumber <= MaxShelfNumber
	}
	return false
}
