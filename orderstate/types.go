package orderstate

import (
	"time"

	"smartdine/orders"
)

// Entry is the cached view of an order's status kept in Redis.
type Entry struct {
	OrderID   int64         `json:"order_id"`
	Status    orders.Status `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
}
