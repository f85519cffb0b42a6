package service

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/metrics"
	"github.com/rl1809/order-fulfillment/internal/port"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type OrderService struct {
	orders    port.OrderRepository
	catalog   port.ProductCatalog
	publisher port.EventPublisher
	policy    domain.TransitionPolicy
	metrics   *metrics.Registry
	logger    logrus.FieldLogger
	source    string
	now       func() time.Time
}

type OrderServiceOption func(*OrderService)

// WithTransitionPolicy replaces the default policy, which accepts any status change.
func WithTransitionPolicy(policy domain.TransitionPolicy) OrderServiceOption {
	return func(s *OrderService) { s.policy = policy }
}

func WithClock(now func() time.Time) OrderServiceOption {
	return func(s *OrderService) { s.now = now }
}

func NewOrderService(
	orders port.OrderRepository,
	catalog port.ProductCatalog,
	publisher port.EventPublisher,
	m *metrics.Registry,
	logger logrus.FieldLogger,
	source string,
	opts ...OrderServiceOption,
) *OrderService {
	s := &OrderService{
		orders:    orders,
		catalog:   catalog,
		publisher: publisher,
		policy:    domain.AnyTransition{},
		metrics:   m,
		logger:    logger,
		source:    source,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *OrderService) CreateOrder(ctx context.Context, productID int64, quantity int, customerEmail string) (*domain.Order, error) {
	if quantity <= 0 {
		s.rejected(domain.ErrInvalidQuantity)
		return nil, errors.WithStack(domain.ErrInvalidQuantity)
	}

	product, err := s.catalog.Fetch(ctx, productID)
	if err != nil {
		s.rejected(err)
		return nil, errors.Wrapf(err, "order rejected: fetch product %d", productID)
	}

	ok, err := s.catalog.CheckAvailability(ctx, productID, quantity)
	if err != nil {
		s.rejected(err)
		return nil, errors.Wrapf(err, "order rejected: check stock for product %d", productID)
	}
	if !ok {
		err := &domain.InsufficientStockError{ProductID: productID, Requested: quantity, Available: product.Stock}
		s.rejected(err)
		return nil, errors.Wrap(err, "order rejected")
	}

	now := s.now()
	order := &domain.Order{
		ProductID:     productID,
		ProductName:   product.Name,
		Quantity:      quantity,
		UnitPrice:     product.Price,
		TotalPrice:    product.Price * float64(quantity),
		Status:        domain.OrderStatusPending,
		CustomerEmail: customerEmail,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var (
		event domain.Event
		msg   domain.OutboxMessage
	)
	err = s.orders.WithinTx(ctx, func(tx port.OrderTx) error {
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}
		var err error
		event, msg, err = s.outboxEvent(domain.EventTypeOrderCreated, domain.RoutingKeyOrderCreated, domain.NewOrderCreatedData(order))
		if err != nil {
			return err
		}
		return tx.AddOutbox(ctx, &msg)
	})
	if err != nil {
		return nil, errors.Wrap(err, "persist order")
	}

	s.metrics.OrdersCreated.Inc()
	s.logger.WithFields(logrus.Fields{
		"order_id":    order.ID,
		"product_id":  order.ProductID,
		"quantity":    order.Quantity,
		"total_price": order.TotalPrice,
	}).Info("order created")

	s.publish(ctx, event, msg)
	return order, nil
}

// UpdateStatus moves an order to newStatus if the transition policy allows it.
// The status change is committed even when its event cannot be published.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID int64, newStatus string) (*domain.Order, error) {
	status, err := domain.ParseOrderStatus(newStatus)
	if err != nil {
		return nil, err
	}

	var (
		order *domain.Order
		event domain.Event
		msg   domain.OutboxMessage
	)
	err = s.orders.WithinTx(ctx, func(tx port.OrderTx) error {
		current, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := s.policy.Allow(current.Status, status); err != nil {
			return err
		}

		now := s.now()
		if err := tx.UpdateOrderStatus(ctx, orderID, status, now); err != nil {
			return err
		}

		data := domain.OrderStatusChangedData{
			OrderID:   orderID,
			OldStatus: current.Status,
			NewStatus: status,
			UpdatedAt: now.Format(time.RFC3339Nano),
		}
		event, msg, err = s.outboxEvent(domain.EventTypeOrderStatusChanged, domain.RoutingKeyOrderStatusChanged, data)
		if err != nil {
			return err
		}
		if err := tx.AddOutbox(ctx, &msg); err != nil {
			return err
		}

		current.Status = status
		current.UpdatedAt = now
		order = current
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "update status of order %d", orderID)
	}

	s.publish(ctx, event, msg)
	return order, nil
}

func (s *OrderService) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	return s.orders.GetOrder(ctx, id)
}

func (s *OrderService) ListOrders(ctx context.Context, skip, limit int) ([]domain.Order, int, error) {
	if skip < 0 {
		skip = 0
	}
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	orders, err := s.orders.ListOrders(ctx, skip, limit)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.orders.CountOrders(ctx)
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

func (s *OrderService) OrdersByCustomer(ctx context.Context, email string) ([]domain.Order, error) {
	return s.orders.OrdersByCustomer(ctx, email)
}

func (s *OrderService) outboxEvent(eventType, routingKey string, payload interface{}) (domain.Event, domain.OutboxMessage, error) {
	event, err := domain.NewEvent(eventType, s.source, payload)
	if err != nil {
		return domain.Event{}, domain.OutboxMessage{}, err
	}
	msg, err := domain.NewOutboxMessage(event, routingKey)
	if err != nil {
		return domain.Event{}, domain.OutboxMessage{}, err
	}
	return event, msg, nil
}

// publish is best effort: a failure leaves the outbox row pending for the relay.
func (s *OrderService) publish(ctx context.Context, event domain.Event, msg domain.OutboxMessage) {
	log := s.logger.WithFields(logrus.Fields{
		"event_type": event.EventType,
		"event_id":   event.EventID,
		"outbox_id":  msg.ID,
	})

	if err := s.publisher.Publish(ctx, event, msg.RoutingKey, publishOptions(msg.RoutingKey)); err != nil {
		s.metrics.EventsPublished.WithLabelValues(event.EventType, "failed").Inc()
		log.WithError(err).Warn("event publish failed, left in outbox")
		if err := s.orders.MarkOutboxFailed(ctx, msg.ID, err.Error(), s.now()); err != nil {
			log.WithError(err).Error("record outbox failure")
		}
		return
	}

	s.metrics.EventsPublished.WithLabelValues(event.EventType, "ok").Inc()
	log.Info("event published")
	if err := s.orders.MarkOutboxSent(ctx, msg.ID); err != nil {
		log.WithError(err).Warn("mark outbox sent")
	}
}

func (s *OrderService) rejected(err error) {
	s.metrics.OrdersRejected.WithLabelValues(rejectReason(err)).Inc()
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, domain.ErrInvalidQuantity):
		return "invalid_quantity"
	default:
		return "service_error"
	}
}

// Only order.created must reach a bound queue.
func publishOptions(routingKey string) port.PublishOptions {
	return port.PublishOptions{
		RequireConfirm: true,
		Mandatory:      routingKey == domain.RoutingKeyOrderCreated,
	}
}
