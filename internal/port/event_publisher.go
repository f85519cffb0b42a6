package port

import (
	"context"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
)

type PublishOptions struct {
	// RequireConfirm blocks until the broker acknowledges durable receipt
	RequireConfirm bool
	// Mandatory fails the publish when no queue is bound to the routing key
	Mandatory bool
}

type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event, routingKey string, opts PublishOptions) error
}
