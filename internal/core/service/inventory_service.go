package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/metrics"
	"github.com/rl1809/order-fulfillment/internal/port"
)

type InventoryService struct {
	inventory port.InventoryRepository
	metrics   *metrics.Registry
	logger    logrus.FieldLogger
}

type Availability struct {
	ProductID int64
	Available bool
	Stock     int
	Message   string
}

func NewInventoryService(inventory port.InventoryRepository, m *metrics.Registry, logger logrus.FieldLogger) *InventoryService {
	return &InventoryService{inventory: inventory, metrics: m, logger: logger}
}

func (s *InventoryService) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	return s.inventory.GetProduct(ctx, id)
}

func (s *InventoryService) CheckAvailability(ctx context.Context, id int64, quantity int) (*Availability, error) {
	if quantity <= 0 {
		return nil, errors.WithStack(domain.ErrInvalidQuantity)
	}
	ok, err := s.inventory.CheckAvailability(ctx, id, quantity)
	if err != nil {
		return nil, err
	}
	product, err := s.inventory.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	a := &Availability{
		ProductID: id,
		Available: ok,
		Stock:     product.Stock,
	}
	if !a.Available {
		a.Message = fmt.Sprintf("Insufficient stock. Available: %d, Required: %d", product.Stock, quantity)
	}
	return a, nil
}

// CreateProduct stores a new product, or replaces one when p.ID is set.
func (s *InventoryService) CreateProduct(ctx context.Context, p *domain.Product) error {
	switch {
	case strings.TrimSpace(p.Name) == "":
		return errors.Wrap(domain.ErrInvalidProduct, "name is required")
	case p.Price <= 0:
		return errors.Wrap(domain.ErrInvalidProduct, "price must be positive")
	case p.Stock < 0:
		return errors.Wrap(domain.ErrInvalidProduct, "stock must not be negative")
	}
	if err := s.inventory.UpsertProduct(ctx, p); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"product_id": p.ID,
		"stock":      p.Stock,
	}).Info("product stored")
	return nil
}

// AdjustStock is the direct edit path (restock or manual correction).
func (s *InventoryService) AdjustStock(ctx context.Context, id int64, delta int) (*domain.Product, error) {
	product, err := s.inventory.AdjustStock(ctx, id, delta)
	if err != nil {
		s.metrics.StockAdjustments.WithLabelValues(adjustResult(err)).Inc()
		return nil, err
	}
	s.metrics.StockAdjustments.WithLabelValues("ok").Inc()
	s.logger.WithFields(logrus.Fields{
		"product_id": id,
		"delta":      delta,
		"stock":      product.Stock,
	}).Info("stock adjusted")
	return product, nil
}

type orderLine struct {
	OrderID   int64  `json:"order_id"`
	ProductID *int64 `json:"product_id"`
	Quantity  *int   `json:"quantity"`
}

// HandleOrderCreated decrements stock for an OrderCreated event at most once per
// event id. The idempotency check, the decrement and the ledger entry commit
// together. A replayed event returns domain.ErrDuplicate without mutating stock.
func (s *InventoryService) HandleOrderCreated(ctx context.Context, event domain.Event) error {
	log := s.logger.WithFields(logrus.Fields{
		"event_id":   event.EventID,
		"event_type": event.EventType,
	})

	var (
		line    orderLine
		product *domain.Product
	)
	err := s.inventory.WithinTx(ctx, func(tx port.InventoryTx) error {
		processed, err := tx.IsProcessed(ctx, event.EventID)
		if err != nil {
			return err
		}
		if processed {
			return errors.WithStack(domain.ErrDuplicate)
		}

		if err := event.DecodeData(&line); err != nil {
			return err
		}
		if line.ProductID == nil || *line.ProductID <= 0 || line.Quantity == nil || *line.Quantity <= 0 {
			return errors.Wrap(domain.ErrMalformedMessage, "order line needs product_id and a positive quantity")
		}

		product, err = tx.AdjustStock(ctx, *line.ProductID, -*line.Quantity)
		if err != nil {
			return err
		}
		return tx.MarkProcessed(ctx, event.EventID, event.EventType)
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			log.Info("event already processed, skipping")
			return err
		}
		s.metrics.StockAdjustments.WithLabelValues(adjustResult(err)).Inc()
		log.WithError(err).Warn("order created event not applied")
		return err
	}

	s.metrics.StockAdjustments.WithLabelValues("ok").Inc()
	log.WithFields(logrus.Fields{
		"order_id":   line.OrderID,
		"product_id": product.ID,
		"stock":      product.Stock,
		"quantity":   *line.Quantity,
	}).Info("stock decremented for order")
	return nil
}

func adjustResult(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, domain.ErrMalformedMessage):
		return "malformed"
	default:
		return "error"
	}
}
