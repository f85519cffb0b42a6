package port

import (
	"context"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
)

// ProductCatalog is the order side's view of the inventory service.
type ProductCatalog interface {
	Fetch(ctx context.Context, productID int64) (*domain.ProductSnapshot, error)
	CheckAvailability(ctx context.Context, productID int64, quantity int) (bool, error)
}
