package port

import (
	"context"
	"time"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
)

type OrderRepository interface {
	// WithinTx runs fn in one transaction; any error rolls everything back
	WithinTx(ctx context.Context, fn func(tx OrderTx) error) error

	// GetOrder returns domain.ErrNotFound when the order does not exist
	GetOrder(ctx context.Context, id int64) (*domain.Order, error)

	ListOrders(ctx context.Context, skip, limit int) ([]domain.Order, error)
	CountOrders(ctx context.Context) (int, error)
	OrdersByCustomer(ctx context.Context, email string) ([]domain.Order, error)

	// PendingOutbox returns pending outbox messages created before createdBefore
	// whose next attempt is due at or before now, oldest first
	PendingOutbox(ctx context.Context, createdBefore, now time.Time, limit int) ([]domain.OutboxMessage, error)
	MarkOutboxSent(ctx context.Context, id int64) error

	// MarkOutboxFailed counts a failed attempt and defers the next one to retryAt
	MarkOutboxFailed(ctx context.Context, id int64, reason string, retryAt time.Time) error

	// ParkOutbox takes the message out of the relay's rotation
	ParkOutbox(ctx context.Context, id int64, reason string) error
}

type OrderTx interface {
	// CreateOrder inserts the order and sets its ID
	CreateOrder(ctx context.Context, order *domain.Order) error

	// LockOrder reads the order and holds it until the transaction ends
	LockOrder(ctx context.Context, id int64) (*domain.Order, error)

	UpdateOrderStatus(ctx context.Context, id int64, status domain.OrderStatus, updatedAt time.Time) error

	// AddOutbox inserts a pending outbox message and sets its ID
	AddOutbox(ctx context.Context, msg *domain.OutboxMessage) error
}
