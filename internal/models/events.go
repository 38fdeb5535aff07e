package models

import "time"

// Event types
const (
	EventTypeOrderEnqueued  = "ORDER_ENQUEUED"
	EventTypeOrderCompleted = "ORDER_COMPLETED"
	EventTypeOrderFailed    = "ORDER_FAILED"
	EventTypeOrderRequeued  = "ORDER_REQUEUED"
	EventTypeStockLow       = "STOCK_LOW"
	EventTypePickupReceived = "PICKUP_ORDER_RECEIVED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderEnqueuedEvent published when intake accepts an order
type OrderEnqueuedEvent struct {
	BaseEvent
	OrderNumber string     `json:"order_number"`
	OrderType   string     `json:"order_type"`
	Items       []LineItem `json:"items"`
	TestOrder   bool       `json:"test_order"`
}

// OrderCompletedEvent published when every item was dispensed
type OrderCompletedEvent struct {
	BaseEvent
	OrderNumber         string `json:"order_number"`
	ExternalOrderNumber string `json:"external_order_number,omitempty"`
	Attempts            int    `json:"attempts"`
}

// OrderFailedEvent published when an order reaches terminal failure
type OrderFailedEvent struct {
	BaseEvent
	OrderNumber string `json:"order_number"`
	Reason      string `json:"reason"`
	Attempts    int    `json:"attempts"`
}

// OrderRequeuedEvent published when a transient failure sends an order back
// to pending
type OrderRequeuedEvent struct {
	BaseEvent
	OrderNumber string `json:"order_number"`
	Reason      string `json:"reason"`
	Attempts    int    `json:"attempts"`
}

// StockLowEvent published when a dispense drops a slot to or below the
// restock threshold
type StockLowEvent struct {
	BaseEvent
	ShelfNumber int    `json:"shelf_number"`
	SKU         string `json:"sku"`
	Stock       int    `json:"stock"`
}

// PickupOrderReceivedEvent consumed from the delivery platform when a courier
// order is placed. The order is enqueued held until the code is entered at
// the kiosk.
type PickupOrderReceivedEvent struct {
	BaseEvent
	ExternalOrderID     string     `json:"external_order_id"`
	ExternalOrderNumber string     `json:"external_order_number"`
	PickupCode          string     `json:"pickup_code"`
	Items               []LineItem `json:"items"`
}
