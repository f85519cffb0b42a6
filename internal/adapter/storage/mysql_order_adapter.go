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

type orderRow struct {
	ID            int64     `db:"id"`
	ProductID     int64     `db:"product_id"`
	ProductName   string    `db:"product_name"`
	Quantity      int       `db:"quantity"`
	UnitPrice     float64   `db:"unit_price"`
	TotalPrice    float64   `db:"total_price"`
	Status        string    `db:"status"`
	CustomerEmail string    `db:"customer_email"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r orderRow) toDomain() domain.Order {
	return domain.Order{
		ID:            r.ID,
		ProductID:     r.ProductID,
		ProductName:   r.ProductName,
		Quantity:      r.Quantity,
		UnitPrice:     r.UnitPrice,
		TotalPrice:    r.TotalPrice,
		Status:        domain.OrderStatus(r.Status),
		CustomerEmail: r.CustomerEmail,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

type outboxRow struct {
	ID         int64        `db:"id"`
	EventID    string       `db:"event_id"`
	EventType  string       `db:"event_type"`
	RoutingKey string       `db:"routing_key"`
	Payload    []byte       `db:"payload"`
	Status     string       `db:"status"`
	Attempts   int          `db:"attempts"`
	LastError  string       `db:"last_error"`
	CreatedAt     time.Time    `db:"created_at"`
	NextAttemptAt time.Time    `db:"next_attempt_at"`
	SentAt        sql.NullTime `db:"sent_at"`
}

func (r outboxRow) toDomain() domain.OutboxMessage {
	msg := domain.OutboxMessage{
		ID:         r.ID,
		EventID:    r.EventID,
		EventType:  r.EventType,
		RoutingKey: r.RoutingKey,
		Payload:    r.Payload,
		Status:     domain.OutboxStatus(r.Status),
		Attempts:   r.Attempts,
		LastError:  r.LastError,
		CreatedAt:     r.CreatedAt,
		NextAttemptAt: r.NextAttemptAt,
	}
	if r.SentAt.Valid {
		t := r.SentAt.Time
		msg.SentAt = &t
	}
	return msg
}

const orderColumns = `id, product_id, product_name, quantity, unit_price, total_price,
	status, customer_email, created_at, updated_at`

// MySQLOrderAdapter stores orders and their outbox in the order database.
type MySQLOrderAdapter struct {
	db *sqlx.DB
}

var _ port.OrderRepository = (*MySQLOrderAdapter)(nil)

func NewMySQLOrderAdapter(db *sqlx.DB) *MySQLOrderAdapter {
	return &MySQLOrderAdapter{db: db}
}

func (m *MySQLOrderAdapter) WithinTx(ctx context.Context, fn func(tx port.OrderTx) error) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	if err := fn(&mysqlOrderTx{tx: tx}); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func (m *MySQLOrderAdapter) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	var row orderRow
	err := m.db.GetContext(ctx, &row, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrNotFound, "order %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query order")
	}
	order := row.toDomain()
	return &order, nil
}

func (m *MySQLOrderAdapter) ListOrders(ctx context.Context, skip, limit int) ([]domain.Order, error) {
	var rows []orderRow
	err := m.db.SelectContext(ctx, &rows,
		`SELECT `+orderColumns+` FROM orders ORDER BY id LIMIT ? OFFSET ?`, limit, skip)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return toOrders(rows), nil
}

func (m *MySQLOrderAdapter) CountOrders(ctx context.Context) (int, error) {
	var n int
	if err := m.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM orders`); err != nil {
		return 0, errors.Wrap(err, "count orders")
	}
	return n, nil
}

func (m *MySQLOrderAdapter) OrdersByCustomer(ctx context.Context, email string) ([]domain.Order, error) {
	var rows []orderRow
	err := m.db.SelectContext(ctx, &rows,
		`SELECT `+orderColumns+` FROM orders WHERE customer_email = ? ORDER BY id`, email)
	if err != nil {
		return nil, errors.Wrap(err, "query customer orders")
	}
	return toOrders(rows), nil
}

func (m *MySQLOrderAdapter) PendingOutbox(ctx context.Context, createdBefore, now time.Time, limit int) ([]domain.OutboxMessage, error) {
	var rows []outboxRow
	err := m.db.SelectContext(ctx, &rows, `
		SELECT id, event_id, event_type, routing_key, payload, status, attempts, last_error,
			created_at, next_attempt_at, sent_at
		FROM outbox
		WHERE status = ? AND created_at < ? AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?`,
		domain.OutboxStatusPending, createdBefore, now, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query outbox")
	}
	msgs := make([]domain.OutboxMessage, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, r.toDomain())
	}
	return msgs, nil
}

func (m *MySQLOrderAdapter) MarkOutboxSent(ctx context.Context, id int64) error {
	res, err := m.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, sent_at = ? WHERE id = ?`,
		domain.OutboxStatusSent, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrap(err, "mark outbox sent")
	}
	return expectRow(res, "outbox %d", id)
}

func (m *MySQLOrderAdapter) MarkOutboxFailed(ctx context.Context, id int64, reason string, retryAt time.Time) error {
	res, err := m.db.ExecContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1, last_error = ?, next_attempt_at = ? WHERE id = ?`,
		truncateReason(reason), retryAt, id)
	if err != nil {
		return errors.Wrap(err, "mark outbox failed")
	}
	return expectRow(res, "outbox %d", id)
}

func (m *MySQLOrderAdapter) ParkOutbox(ctx context.Context, id int64, reason string) error {
	res, err := m.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, attempts = attempts + 1, last_error = ? WHERE id = ?`,
		domain.OutboxStatusParked, truncateReason(reason), id)
	if err != nil {
		return errors.Wrap(err, "park outbox")
	}
	return expectRow(res, "outbox %d", id)
}

// last_error is VARCHAR(1024)
func truncateReason(reason string) string {
	if len(reason) > 1024 {
		return reason[:1024]
	}
	return reason
}

type mysqlOrderTx struct {
	tx *sqlx.Tx
}

func (t *mysqlOrderTx) CreateOrder(ctx context.Context, order *domain.Order) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (product_id, product_name, quantity, unit_price, total_price,
			status, customer_email, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ProductID, order.ProductName, order.Quantity, order.UnitPrice, order.TotalPrice,
		order.Status, order.CustomerEmail, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert order")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "order id")
	}
	order.ID = id
	return nil
}

func (t *mysqlOrderTx) LockOrder(ctx context.Context, id int64) (*domain.Order, error) {
	var row orderRow
	err := t.tx.GetContext(ctx, &row, `SELECT `+orderColumns+` FROM orders WHERE id = ? FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrNotFound, "order %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "lock order")
	}
	order := row.toDomain()
	return &order, nil
}

func (t *mysqlOrderTx) UpdateOrderStatus(ctx context.Context, id int64, status domain.OrderStatus, updatedAt time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`, status, updatedAt, id)
	if err != nil {
		return errors.Wrap(err, "update order status")
	}
	return expectRow(res, "order %d", id)
}

func (t *mysqlOrderTx) AddOutbox(ctx context.Context, msg *domain.OutboxMessage) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO outbox (event_id, event_type, routing_key, payload, status, attempts, last_error,
			created_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.EventID, msg.EventType, msg.RoutingKey, msg.Payload, msg.Status, msg.Attempts, msg.LastError,
		msg.CreatedAt, nextAttempt(msg),
	)
	if err != nil {
		return errors.Wrap(err, "insert outbox")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "outbox id")
	}
	msg.ID = id
	return nil
}

func toOrders(rows []orderRow) []domain.Order {
	orders := make([]domain.Order, 0, len(rows))
	for _, r := range rows {
		orders = append(orders, r.toDomain())
	}
	return orders
}

// expectRow turns an update that matched nothing into domain.ErrNotFound.
// OpenMySQL sets clientFoundRows, so matched rows are counted, not changed ones.
func expectRow(res sql.Result, format string, args ...interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrapf(domain.ErrNotFound, format, args...)
	}
	return nil
}

func nextAttempt(msg *domain.OutboxMessage) time.Time {
	if msg.NextAttemptAt.IsZero() {
		return msg.CreatedAt
	}
	return msg.NextAttemptAt
}
