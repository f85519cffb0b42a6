package port

import (
	"context"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
)

type InventoryRepository interface {
	// GetProduct returns domain.ErrNotFound when the product does not exist
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)

	// CheckAvailability reports whether stock covers quantity without mutating it
	CheckAvailability(ctx context.Context, id int64, quantity int) (bool, error)

	// AdjustStock applies delta atomically, rejecting results below zero
	AdjustStock(ctx context.Context, id int64, delta int) (*domain.Product, error)

	// UpsertProduct creates p, or replaces it when p.ID is set; a new product gets its ID assigned
	UpsertProduct(ctx context.Context, p *domain.Product) error
	// WithinTx runs fn as one atomic unit. fn may be invoked again if the
	// store detects a conflicting writer, so it must not keep side effects.
	WithinTx(ctx context.Context, fn func(tx InventoryTx) error) error
}

type InventoryTx interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)

	// MarkProcessed returns domain.ErrDuplicate if the event id is already recorded
	MarkProcessed(ctx context.Context, eventID, eventType string) error

	AdjustStock(ctx context.Context, id int64, delta int) (*domain.Product, error)
}
