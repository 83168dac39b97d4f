package engine

import (
	"time"

	"smartdine/orders"
)

const (
	EventOrderPlaced EventType = iota + 1
	EventOrderStatusChanged
	EventPaymentRecorded
	EventMessagingConnected
	EventMessagingDisconnected
)

// --- Event payloads ---

type OrderPlacedEvent struct {
	OrderID     int64
	OrderNumber string
	TableID     int64
	TotalAmount float64
	ItemCount   int
	Actor       string
}

// OrderStatusChangedEvent is emitted after the change is committed and
// broadcast.
type OrderStatusChangedEvent struct {
	OrderID   int64
	OldStatus orders.Status
	NewStatus orders.Status
	Actor     string
	ChangedAt time.Time
}

type PaymentRecordedEvent struct {
	OrderID   int64
	Method    string
	PaymentID string
	Actor     string
}

type ConnectionEvent struct {
	Detail string
}
