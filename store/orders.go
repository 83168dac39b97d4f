package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"smartdine/orders"
)

type Order struct {
	ID            int64         `json:"id"`
	OrderNumber   string        `json:"order_number"`
	TableID       int64         `json:"table_id"`
	CustomerName  string        `json:"customer_name"`
	CustomerPhone string        `json:"customer_phone"`
	Status        orders.Status `json:"status"`
	TotalAmount   float64       `json:"total_amount"`
	IsPaid        bool          `json:"is_paid"`
	PaymentMethod string        `json:"payment_method"`
	PaymentID     string        `json:"payment_id"`
	Items         []*OrderItem  `json:"items,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

type OrderItem struct {
	ID         int64   `json:"id"`
	OrderID    int64   `json:"order_id"`
	MenuItemID int64   `json:"menu_item_id"`
	Name       string  `json:"name"`
	Quantity   int     `json:"quantity"`
	Price      float64 `json:"price"`
}

type OrderHistory struct {
	ID        int64         `json:"id"`
	OrderID   int64         `json:"order_id"`
	Status    orders.Status `json:"status"`
	Detail    string        `json:"detail"`
	CreatedAt time.Time     `json:"created_at"`
}

const orderSelectCols = `id, order_number, table_id, customer_name, customer_phone, status, total_amount, is_paid, payment_method, payment_id, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (*Order, error) {
	var o Order
	var status string
	var createdAt, updatedAt any
	err := row.Scan(&o.ID, &o.OrderNumber, &o.TableID, &o.CustomerName, &o.CustomerPhone,
		&status, &o.TotalAmount, &o.IsPaid, &o.PaymentMethod, &o.PaymentID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = orders.Status(status)
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	return &o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var list []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, o)
	}
	return list, rows.Err()
}

// CreateOrder inserts the order and its line items in one transaction.
// A new order always starts PENDING; an empty status is filled in.
func (db *DB) CreateOrder(o *Order) error {
	if o.Status == "" {
		o.Status = orders.StatusPending
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	defer tx.Rollback()

	id, err := db.insertID(tx, `INSERT INTO orders (order_number, table_id, customer_name, customer_phone, status, total_amount) VALUES (?, ?, ?, ?, ?, ?)`,
		o.OrderNumber, o.TableID, o.CustomerName, o.CustomerPhone, string(o.Status), o.TotalAmount)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	for _, it := range o.Items {
		itemID, err := db.insertID(tx, `INSERT INTO order_items (order_id, menu_item_id, quantity, price) VALUES (?, ?, ?, ?)`,
			id, it.MenuItemID, it.Quantity, it.Price)
		if err != nil {
			return fmt.Errorf("create order item: %w", err)
		}
		it.ID = itemID
		it.OrderID = id
	}
	if _, err := tx.Exec(db.Q(`INSERT INTO order_history (order_id, status, detail) VALUES (?, ?, ?)`),
		id, string(o.Status), "order placed"); err != nil {
		return fmt.Errorf("create order history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create order commit: %w", err)
	}
	o.ID = id
	return nil
}

func (db *DB) GetOrder(id int64) (*Order, error) {
	row := db.QueryRow(db.Q(fmt.Sprintf(`SELECT %s FROM orders WHERE id=?`, orderSelectCols)), id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, notFound(err)
	}
	return o, nil
}

// GetOrderWithItems loads the order plus its line items and menu item names.
func (db *DB) GetOrderWithItems(id int64) (*Order, error) {
	o, err := db.GetOrder(id)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(db.Q(`SELECT oi.id, oi.order_id, oi.menu_item_id, COALESCE(m.name, ''), oi.quantity, oi.price
		FROM order_items oi LEFT JOIN menu_items m ON m.id = oi.menu_item_id
		WHERE oi.order_id=? ORDER BY oi.id`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.MenuItemID, &it.Name, &it.Quantity, &it.Price); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, &it)
	}
	return o, rows.Err()
}

// GetOrderStatus returns the committed status of an order, or ErrNotFound.
func (db *DB) GetOrderStatus(ctx context.Context, id int64) (orders.Status, error) {
	var status string
	err := db.QueryRowContext(ctx, db.Q(`SELECT status FROM orders WHERE id=?`), id).Scan(&status)
	if err != nil {
		return "", notFound(err)
	}
	return orders.Status(status), nil
}

// SetOrderStatus commits a new status and its history row atomically.
// Last write wins; it returns ErrNotFound when no order has the id.
func (db *DB) SetOrderStatus(ctx context.Context, id int64, status orders.Status, detail string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, db.Q(`UPDATE orders SET status=?, updated_at=datetime('now','localtime') WHERE id=?`),
		string(status), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, db.Q(`INSERT INTO order_history (order_id, status, detail) VALUES (?, ?, ?)`),
		id, string(status), detail); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordPayment stores the customer's chosen payment method and marks the order paid.
func (db *DB) RecordPayment(id int64, method, paymentID string) error {
	res, err := db.Exec(db.Q(`UPDATE orders SET payment_method=?, payment_id=?, is_paid=?, updated_at=datetime('now','localtime') WHERE id=?`),
		method, paymentID, true, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) ListOrders(status orders.Status, limit int) ([]*Order, error) {
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = db.Query(db.Q(fmt.Sprintf(`SELECT %s FROM orders WHERE status=? ORDER BY id DESC LIMIT ?`, orderSelectCols)), string(status), limit)
	} else {
		rows, err = db.Query(db.Q(fmt.Sprintf(`SELECT %s FROM orders ORDER BY id DESC LIMIT ?`, orderSelectCols)), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (db *DB) ListOrdersByTable(tableID int64, limit int) ([]*Order, error) {
	rows, err := db.Query(db.Q(fmt.Sprintf(`SELECT %s FROM orders WHERE table_id=? ORDER BY id DESC LIMIT ?`, orderSelectCols)), tableID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListActiveOrders returns orders that have not reached a terminal status.
func (db *DB) ListActiveOrders() ([]*Order, error) {
	rows, err := db.Query(db.Q(fmt.Sprintf(`SELECT %s FROM orders WHERE status NOT IN ('COMPLETED', 'CANCELLED') ORDER BY id DESC`, orderSelectCols)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (db *DB) ListOrderHistory(orderID int64) ([]*OrderHistory, error) {
	rows, err := db.Query(db.Q(`SELECT id, order_id, status, detail, created_at FROM order_history WHERE order_id=? ORDER BY id`), orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var history []*OrderHistory
	for rows.Next() {
		var h OrderHistory
		var status string
		var createdAt any
		if err := rows.Scan(&h.ID, &h.OrderID, &status, &h.Detail, &createdAt); err != nil {
			return nil, err
		}
		h.Status = orders.Status(status)
		h.CreatedAt = parseTime(createdAt)
		history = append(history, &h)
	}
	return history, rows.Err()
}
