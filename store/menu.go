package store

import (
	"fmt"
	"time"

	"smartdine/orders"
)

type MenuItem struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Price       float64   `json:"price"`
	IsAvailable bool      `json:"is_available"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const menuSelectCols = `id, name, description, category, price, is_available, created_at, updated_at`

func scanMenuItem(row interface{ Scan(...any) error }) (*MenuItem, error) {
	var m MenuItem
	var createdAt, updatedAt any
	if err := row.Scan(&m.ID, &m.Name, &m.Description, &m.Category, &m.Price, &m.IsAvailable, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

func (db *DB) CreateMenuItem(m *MenuItem) error {
	id, err := db.insertID(db.DB, `INSERT INTO menu_items (name, description, category, price, is_available) VALUES (?, ?, ?, ?, ?)`,
		m.Name, m.Description, m.Category, m.Price, m.IsAvailable)
	if err != nil {
		return fmt.Errorf("create menu item: %w", err)
	}
	m.ID = id
	return nil
}

func (db *DB) UpdateMenuItem(m *MenuItem) error {
	res, err := db.Exec(db.Q(`UPDATE menu_items SET name=?, description=?, category=?, price=?, is_available=?, updated_at=datetime('now','localtime') WHERE id=?`),
		m.Name, m.Description, m.Category, m.Price, m.IsAvailable, m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) GetMenuItem(id int64) (*MenuItem, error) {
	m, err := scanMenuItem(db.QueryRow(db.Q(fmt.Sprintf(`SELECT %s FROM menu_items WHERE id=?`, menuSelectCols)), id))
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

// ListMenuItems returns the menu ordered by category; availableOnly hides sold-out items.
func (db *DB) ListMenuItems(availableOnly bool) ([]*MenuItem, error) {
	query := fmt.Sprintf(`SELECT %s FROM menu_items`, menuSelectCols)
	var args []any
	if availableOnly {
		query += ` WHERE is_available=?`
		args = append(args, true)
	}
	query += ` ORDER BY category, name`
	rows, err := db.Query(db.Q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*MenuItem
	for rows.Next() {
		m, err := scanMenuItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// OrderRef names an order that uses a menu item.
type OrderRef struct {
	OrderNumber string        `json:"order_number"`
	Status      orders.Status `json:"status"`
}

// MenuItemReferences lists the orders containing the item. An item with
// references cannot be deleted, only marked unavailable.
func (db *DB) MenuItemReferences(id int64) ([]OrderRef, error) {
	rows, err := db.Query(db.Q(`SELECT DISTINCT o.id, o.order_number, o.status FROM order_items oi
		JOIN orders o ON o.id = oi.order_id WHERE oi.menu_item_id=? ORDER BY o.id`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var refs []OrderRef
	for rows.Next() {
		var orderID int64
		var ref OrderRef
		var status string
		if err := rows.Scan(&orderID, &ref.OrderNumber, &status); err != nil {
			return nil, err
		}
		ref.Status = orders.Status(status)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (db *DB) DeleteMenuItem(id int64) error {
	res, err := db.Exec(db.Q(`DELETE FROM menu_items WHERE id=?`), id)
	if err != nil {
		return fmt.Errorf("delete menu item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
