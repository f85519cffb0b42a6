package handler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/order-fulfillment/internal/adapter/inventoryrpc"
	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/core/service"
)

type GRPCHandler struct {
	inventoryService *service.InventoryService
	logger           logrus.FieldLogger
}

var _ inventoryrpc.InventoryServer = (*GRPCHandler)(nil)

func NewGRPCHandler(inventoryService *service.InventoryService, logger logrus.FieldLogger) *GRPCHandler {
	return &GRPCHandler{inventoryService: inventoryService, logger: logger}
}

func (h *GRPCHandler) GetProduct(ctx context.Context, req *inventoryrpc.GetProductRequest) (*inventoryrpc.Product, error) {
	product, err := h.inventoryService.GetProduct(ctx, req.ProductID)
	if err != nil {
		return nil, h.status(err)
	}
	return toRPCProduct(product), nil
}

func (h *GRPCHandler) CheckAvailability(ctx context.Context, req *inventoryrpc.CheckAvailabilityRequest) (*inventoryrpc.CheckAvailabilityResponse, error) {
	a, err := h.inventoryService.CheckAvailability(ctx, req.ProductID, req.Quantity)
	if err != nil {
		return nil, h.status(err)
	}
	return &inventoryrpc.CheckAvailabilityResponse{
		ProductID: a.ProductID,
		Available: a.Available,
		Stock:     a.Stock,
		Message:   a.Message,
	}, nil
}

func (h *GRPCHandler) AdjustStock(ctx context.Context, req *inventoryrpc.AdjustStockRequest) (*inventoryrpc.Product, error) {
	product, err := h.inventoryService.AdjustStock(ctx, req.ProductID, req.Delta)
	if err != nil {
		return nil, h.status(err)
	}
	return toRPCProduct(product), nil
}

func (h *GRPCHandler) status(err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInsufficientStock):
		return status.Error(codes.FailedPrecondition, insufficientStockMessage(err))
	case errors.Is(err, domain.ErrInvalidQuantity), errors.Is(err, domain.ErrInvalidProduct):
		return status.Error(codes.InvalidArgument, rootMessage(err))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	h.logger.WithError(err).Error("grpc request failed")
	return status.Error(codes.Internal, "internal error")
}

func toRPCProduct(p *domain.Product) *inventoryrpc.Product {
	return &inventoryrpc.Product{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Price:       p.Price,
		Stock:       p.Stock,
		Category:    p.Category,
		ImageURL:    p.ImageURL,
		CreatedAt:   p.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:   p.UpdatedAt.Format(time.RFC3339Nano),
	}
}
