package store

import (
	"fmt"
	"time"
)

// Table is a physical dining table customers reach through its QR link.
type Table struct {
	ID        int64     `json:"id"`
	Number    int       `json:"number"`
	Name      string    `json:"name"`
	Capacity  int       `json:"capacity"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

const tableSelectCols = `id, number, name, capacity, is_active, created_at`

func scanTable(row interface{ Scan(...any) error }) (*Table, error) {
	var t Table
	var createdAt any
	if err := row.Scan(&t.ID, &t.Number, &t.Name, &t.Capacity, &t.IsActive, &createdAt); err != nil {
		return nil, err
	}
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

func (db *DB) CreateTable(t *Table) error {
	id, err := db.insertID(db.DB, `INSERT INTO restaurant_tables (number, name, capacity, is_active) VALUES (?, ?, ?, ?)`,
		t.Number, t.Name, t.Capacity, t.IsActive)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	t.ID = id
	return nil
}

func (db *DB) GetTable(id int64) (*Table, error) {
	t, err := scanTable(db.QueryRow(db.Q(fmt.Sprintf(`SELECT %s FROM restaurant_tables WHERE id=?`, tableSelectCols)), id))
	if err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

func (db *DB) SetTableActive(id int64, active bool) error {
	_, err := db.Exec(db.Q(`UPDATE restaurant_tables SET is_active=? WHERE id=?`), active, id)
	return err
}

func (db *DB) ListTables() ([]*Table, error) {
	rows, err := db.Query(fmt.Sprintf(`SELECT %s FROM restaurant_tables ORDER BY number`, tableSelectCols))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tables []*Table
	for rows.Next() {
		t, err := scanTable(rows)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// UpdateTable rewrites number, name, capacity and active flag.
func (db *DB) UpdateTable(t *Table) error {
	res, err := db.Exec(db.Q(`UPDATE restaurant_tables SET number=?, name=?, capacity=?, is_active=? WHERE id=?`),
		t.Number, t.Name, t.Capacity, t.IsActive, t.ID)
	if err != nil {
		return fmt.Errorf("update table: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) CountOrdersForTable(id int64) (int, error) {
	var n int
	err := db.QueryRow(db.Q(`SELECT COUNT(*) FROM orders WHERE table_id=?`), id).Scan(&n)
	return n, err
}

func (db *DB) DeleteTable(id int64) error {
	res, err := db.Exec(db.Q(`DELETE FROM restaurant_tables WHERE id=?`), id)
	if err != nil {
		return fmt.Errorf("delete table: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
