package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"smartdine/orders"
	"smartdine/realtime"
	"smartdine/store"
)

// PlaceOrderRequest is what a customer submits from a table link.
type PlaceOrderRequest struct {
	TableID       int64       `json:"table_id"`
	CustomerName  string      `json:"customer_name"`
	CustomerPhone string      `json:"customer_phone"`
	Items         []OrderLine `json:"items"`
}

type OrderLine struct {
	MenuItemID int64 `json:"menu_item_id"`
	Quantity   int   `json:"quantity"`
}

// PlaceOrder validates and prices the request from the menu, creates the
// order as PENDING and, once committed, notifies the admin channel.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*store.Order, error) {
	if req.TableID <= 0 {
		return nil, orders.Malformed("table_id is required")
	}
	if len(req.Items) == 0 {
		return nil, orders.Malformed("order has no items")
	}
	table, err := e.db.GetTable(req.TableID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !table.IsActive) {
		return nil, orders.Malformed("invalid or inactive table")
	}
	if err != nil {
		return nil, orders.Persistence(0, err)
	}

	o := &store.Order{
		OrderNumber:   e.orderNumber(),
		TableID:       table.ID,
		CustomerName:  strings.TrimSpace(req.CustomerName),
		CustomerPhone: strings.TrimSpace(req.CustomerPhone),
		Status:        orders.StatusPending,
	}
	var total float64
	for _, line := range req.Items {
		if line.Quantity <= 0 {
			return nil, orders.Malformed(fmt.Sprintf("invalid quantity for menu item %d", line.MenuItemID))
		}
		item, err := e.db.GetMenuItem(line.MenuItemID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && !item.IsAvailable) {
			return nil, orders.Malformed(fmt.Sprintf("menu item %d is not available", line.MenuItemID))
		}
		if err != nil {
			return nil, orders.Persistence(0, err)
		}
		o.Items = append(o.Items, &store.OrderItem{
			MenuItemID: item.ID,
			Name:       item.Name,
			Quantity:   line.Quantity,
			Price:      item.Price,
		})
		total += item.Price * float64(line.Quantity)
	}
	o.TotalAmount = math.Round(total*100) / 100

	if err := e.db.CreateOrder(o); err != nil {
		return nil, orders.Persistence(0, err)
	}
	e.orderState.Prime(ctx, o)

	at := e.now().UTC()
	e.pub.Publish(realtime.NewOrder(o.ID, o.OrderNumber, o.TableID, o.TotalAmount, at), realtime.AdminChannel)
	e.Events.Emit(Event{Type: EventOrderPlaced, Timestamp: at, Payload: OrderPlacedEvent{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		TableID:     o.TableID,
		TotalAmount: o.TotalAmount,
		ItemCount:   len(o.Items),
		Actor:       orders.ActorFrom(ctx),
	}})
	e.log.Info().
		Int64("order_id", o.ID).
		Str("order_number", o.OrderNumber).
		Int64("table_id", o.TableID).
		Float64("total", o.TotalAmount).
		Msg("order placed")
	return o, nil
}

// SelectPayment records the customer's payment choice. Payment providers
// are opaque links with no callback, so the choice itself counts as paid.
// A PENDING order then moves to PREPARING through the coordinator; any
// other status only gets the payment recorded.
func (e *Engine) SelectPayment(ctx context.Context, orderID int64, method string) (*store.Order, error) {
	method = strings.ToLower(strings.TrimSpace(method))
	if method == "" {
		return nil, orders.Malformed("payment method is required")
	}
	paymentID := fmt.Sprintf("PAY%08d", e.now().UnixMilli()%100000000)
	if err := e.db.RecordPayment(orderID, method, paymentID); err != nil {
		return nil, storeError(orderID, err)
	}
	e.Events.Emit(Event{Type: EventPaymentRecorded, Payload: PaymentRecordedEvent{
		OrderID:   orderID,
		Method:    method,
		PaymentID: paymentID,
		Actor:     orders.ActorFrom(ctx),
	}})

	current, err := e.coord.CurrentStatus(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if current == orders.StatusPending {
		if _, err := e.coord.ChangeStatus(ctx, orderID, orders.StatusPreparing); err != nil {
			// Lost a race with staff; the payment itself is recorded.
			if orders.KindOf(err) != orders.KindInvalidTransition {
				return nil, err
			}
		}
	}

	o, err := e.db.GetOrderWithItems(orderID)
	if err != nil {
		return nil, storeError(orderID, err)
	}
	return o, nil
}

// orderNumber is "ORD" plus the low six digits of the clock in milliseconds,
// with a short random suffix to keep concurrent orders unique.
func (e *Engine) orderNumber() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:4])
	return fmt.Sprintf("ORD%06d%s", e.now().UnixMilli()%1000000, suffix)
}
