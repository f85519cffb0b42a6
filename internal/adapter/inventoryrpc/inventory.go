// Package inventoryrpc defines the inventory gRPC service. Messages travel as
// JSON through a registered codec, so no generated code is involved.
package inventoryrpc

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "fulfillment.inventory.v1.Inventory"

type GetProductRequest struct {
	ProductID int64 `json:"product_id"`
}

type Product struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	Stock       int     `json:"stock"`
	Category    string  `json:"category"`
	ImageURL    string  `json:"image_url"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

type CheckAvailabilityRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type CheckAvailabilityResponse struct {
	ProductID int64  `json:"product_id"`
	Available bool   `json:"available"`
	Stock     int    `json:"stock"`
	Message   string `json:"message,omitempty"`
}

type AdjustStockRequest struct {
	ProductID int64 `json:"product_id"`
	Delta     int   `json:"delta"`
}

type InventoryServer interface {
	GetProduct(ctx context.Context, req *GetProductRequest) (*Product, error)
	CheckAvailability(ctx context.Context, req *CheckAvailabilityRequest) (*CheckAvailabilityResponse, error)
	AdjustStock(ctx context.Context, req *AdjustStockRequest) (*Product, error)
}

func RegisterInventoryServer(s grpc.ServiceRegistrar, srv InventoryServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InventoryServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetProduct",
			Handler: unaryHandler("GetProduct", func(srv InventoryServer, ctx context.Context, req *GetProductRequest) (interface{}, error) {
				return srv.GetProduct(ctx, req)
			}),
		},
		{
			MethodName: "CheckAvailability",
			Handler: unaryHandler("CheckAvailability", func(srv InventoryServer, ctx context.Context, req *CheckAvailabilityRequest) (interface{}, error) {
				return srv.CheckAvailability(ctx, req)
			}),
		},
		{
			MethodName: "AdjustStock",
			Handler: unaryHandler("AdjustStock", func(srv InventoryServer, ctx context.Context, req *AdjustStockRequest) (interface{}, error) {
				return srv.AdjustStock(ctx, req)
			}),
		},
	},
	Streams: []grpc.StreamDesc{},
}

// unaryHandler adapts a typed method to grpc's untyped handler signature.
func unaryHandler[Req any](method string, call func(InventoryServer, context.Context, *Req) (interface{}, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(InventoryServer), ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		return interceptor(ctx, req, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(InventoryServer), ctx, req.(*Req))
		})
	}
}

// InventoryClient is the calling side of InventoryServer.
type InventoryClient struct {
	cc grpc.ClientConnInterface
}

func NewInventoryClient(cc grpc.ClientConnInterface) *InventoryClient {
	return &InventoryClient{cc: cc}
}

func (c *InventoryClient) GetProduct(ctx context.Context, req *GetProductRequest, opts ...grpc.CallOption) (*Product, error) {
	out := new(Product)
	if err := c.invoke(ctx, "GetProduct", req, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *InventoryClient) CheckAvailability(ctx context.Context, req *CheckAvailabilityRequest, opts ...grpc.CallOption) (*CheckAvailabilityResponse, error) {
	out := new(CheckAvailabilityResponse)
	if err := c.invoke(ctx, "CheckAvailability", req, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *InventoryClient) AdjustStock(ctx context.Context, req *AdjustStockRequest, opts ...grpc.CallOption) (*Product, error) {
	out := new(Product)
	if err := c.invoke(ctx, "AdjustStock", req, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *InventoryClient) invoke(ctx context.Context, method string, req, out interface{}, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...)
}
