package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/port"
)

type productRow struct {
	ID          int64     `db:"id"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	Price       float64   `db:"price"`
	Stock       int       `db:"stock"`
	Category    string    `db:"category"`
	ImageURL    string    `db:"image_url"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r productRow) toDomain() *domain.Product {
	return &domain.Product{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Price:       r.Price,
		Stock:       r.Stock,
		Category:    r.Category,
		ImageURL:    r.ImageURL,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

const productColumns = `id, name, description, price, stock, category, image_url, created_at, updated_at`

// MySQLInventoryAdapter keeps stock and the processed-event ledger in one
// database so a decrement and its ledger entry commit together. Concurrent
// writers to one product serialize on the product row lock.
type MySQLInventoryAdapter struct {
	db *sqlx.DB
}

var _ port.InventoryRepository = (*MySQLInventoryAdapter)(nil)

func NewMySQLInventoryAdapter(db *sqlx.DB) *MySQLInventoryAdapter {
	return &MySQLInventoryAdapter{db: db}
}

func (m *MySQLInventoryAdapter) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	return getProduct(ctx, m.db, id, false)
}

func (m *MySQLInventoryAdapter) CheckAvailability(ctx context.Context, id int64, quantity int) (bool, error) {
	p, err := m.GetProduct(ctx, id)
	if err != nil {
		return false, err
	}
	return p.Stock >= quantity, nil
}

func (m *MySQLInventoryAdapter) AdjustStock(ctx context.Context, id int64, delta int) (*domain.Product, error) {
	var product *domain.Product
	err := m.WithinTx(ctx, func(tx port.InventoryTx) error {
		p, err := tx.AdjustStock(ctx, id, delta)
		product = p
		return err
	})
	if err != nil {
		return nil, err
	}
	return product, nil
}

func (m *MySQLInventoryAdapter) WithinTx(ctx context.Context, fn func(tx port.InventoryTx) error) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	if err := fn(&mysqlInventoryTx{tx: tx}); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// UpsertProduct creates or replaces a product. Used for seeding.
func (m *MySQLInventoryAdapter) UpsertProduct(ctx context.Context, p *domain.Product) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	res, err := m.db.ExecContext(ctx, `
		INSERT INTO products (id, name, description, price, stock, category, image_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			name = VALUES(name), description = VALUES(description), price = VALUES(price),
			stock = VALUES(stock), category = VALUES(category), image_url = VALUES(image_url),
			updated_at = VALUES(updated_at)`,
		nullID(p.ID), p.Name, p.Description, p.Price, p.Stock, p.Category, p.ImageURL, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "upsert product")
	}
	if p.ID == 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return errors.Wrap(err, "product id")
		}
		p.ID = id
	}
	return nil
}

type mysqlInventoryTx struct {
	tx *sqlx.Tx
}

func (t *mysqlInventoryTx) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var n int
	err := t.tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM processed_events WHERE event_id = ?`, eventID)
	if err != nil {
		return false, errors.Wrap(err, "query processed events")
	}
	return n > 0, nil
}

func (t *mysqlInventoryTx) MarkProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO processed_events (event_id, event_type, processed_at) VALUES (?, ?, ?)`,
		eventID, eventType, time.Now().UTC())
	if isDuplicateEntry(err) {
		return errors.Wrapf(domain.ErrDuplicate, "event %s", eventID)
	}
	return errors.Wrap(err, "insert processed event")
}

func (t *mysqlInventoryTx) AdjustStock(ctx context.Context, id int64, delta int) (*domain.Product, error) {
	p, err := getProduct(ctx, t.tx, id, true)
	if err != nil {
		return nil, err
	}
	if p.Stock+delta < 0 {
		return nil, &domain.InsufficientStockError{ProductID: id, Requested: -delta, Available: p.Stock}
	}

	p.Stock += delta
	p.UpdatedAt = time.Now().UTC()
	_, err = t.tx.ExecContext(ctx,
		`UPDATE products SET stock = ?, updated_at = ? WHERE id = ?`, p.Stock, p.UpdatedAt, id)
	if err != nil {
		return nil, errors.Wrap(err, "update stock")
	}
	return p, nil
}

func getProduct(ctx context.Context, q sqlx.QueryerContext, id int64, forUpdate bool) (*domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var row productRow
	err := sqlx.GetContext(ctx, q, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrNotFound, "product %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query product")
	}
	return row.toDomain(), nil
}

func nullID(id int64) interface{} {
	if id == 0 {
		return nil
	}
	return id
}
