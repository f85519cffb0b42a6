package client

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/order-fulfillment/internal/adapter/inventoryrpc"
	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/metrics"
	"github.com/rl1809/order-fulfillment/internal/port"
)

// GRPCCatalog reads products over the inventory gRPC service. Calls the
// server never answered (Unavailable, or a per-call deadline) are retried
// like HTTP transport failures; every status the server returns is final.
type GRPCCatalog struct {
	client  *inventoryrpc.InventoryClient
	timeout time.Duration
	retrier retrier
}

var _ port.ProductCatalog = (*GRPCCatalog)(nil)

func NewGRPCCatalog(cc grpc.ClientConnInterface, timeout time.Duration, policy RetryPolicy, m *metrics.Registry, logger logrus.FieldLogger) *GRPCCatalog {
	return &GRPCCatalog{
		client:  inventoryrpc.NewInventoryClient(cc),
		timeout: timeout,
		retrier: retrier{policy: policy, metrics: m, logger: logger},
	}
}

func (c *GRPCCatalog) Fetch(ctx context.Context, productID int64) (*domain.ProductSnapshot, error) {
	var p *inventoryrpc.Product
	err := c.retrier.do(ctx, "fetch", func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		var err error
		p, err = c.client.GetProduct(callCtx, &inventoryrpc.GetProductRequest{ProductID: productID})
		return fromStatus(err)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "product %d", productID)
	}
	return &domain.ProductSnapshot{ID: p.ID, Name: p.Name, Price: p.Price, Stock: p.Stock}, nil
}

func (c *GRPCCatalog) CheckAvailability(ctx context.Context, productID int64, quantity int) (bool, error) {
	var resp *inventoryrpc.CheckAvailabilityResponse
	err := c.retrier.do(ctx, "check", func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		var err error
		resp, err = c.client.CheckAvailability(callCtx, &inventoryrpc.CheckAvailabilityRequest{ProductID: productID, Quantity: quantity})
		return fromStatus(err)
	})
	if err != nil {
		return false, errors.Wrapf(err, "product %d", productID)
	}
	return resp.Available, nil
}

func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st := status.Convert(err)
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		return &transportError{err: err}
	case codes.NotFound:
		return errors.WithStack(domain.ErrNotFound)
	default:
		return errors.Wrap(domain.ErrServiceError, st.Message())
	}
}
