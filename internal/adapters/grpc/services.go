package grpc

import (
	"context"

	grpcpkg "google.golang.org/grpc"

	"storefront/internal/coupon"
	"storefront/internal/fraud"
	"storefront/internal/inventory"
)

// Service names.
const (
	InventoryServiceName = "storefront.inventory.v1.Inventory"
	CouponServiceName    = "storefront.coupon.v1.Coupon"
	FraudServiceName     = "storefront.fraud.v1.Fraud"
)

// InventoryService is the behavior served under InventoryServiceName.
type InventoryService interface {
	Reserve(ctx context.Context, referenceID string, items []inventory.Item) (inventory.Reservation, error)
	Release(ctx context.Context, referenceID string) ([]inventory.Item, error)
	Commit(ctx context.Context, referenceID string) ([]inventory.Item, error)
}

// CouponService is the behavior served under CouponServiceName.
type CouponService interface {
	Validate(ctx context.Context, req coupon.ValidateRequest) (coupon.Quote, error)
	Redeem(ctx context.Context, req coupon.RedeemRequest) (coupon.Redemption, error)
	Reverse(ctx context.Context, orderID string) (coupon.Redemption, bool, error)
	Confirm(ctx context.Context, orderID string) error
}

// FraudService is the behavior served under FraudServiceName.
type FraudService interface {
	Score(ctx context.Context, req fraud.Request) (fraud.Decision, error)
}

// ReserveRequest asks for stock under a reference.
type ReserveRequest struct {
	ReferenceID string           `json:"referenceId"`
	Items       []inventory.Item `json:"items"`
}

// ReferenceRequest names a reservation.
type ReferenceRequest struct {
	ReferenceID string `json:"referenceId"`
}

// SettleResponse lists the lines a release or commit touched.
type SettleResponse struct {
	Items []inventory.Item `json:"items"`
}

// OrderRequest names the order a redemption belongs to.
type OrderRequest struct {
	OrderID string `json:"orderId"`
}

// ReverseResponse reports the reversed redemption, if there was one.
type ReverseResponse struct {
	Redemption coupon.Redemption `json:"redemption"`
	Reversed   bool              `json:"reversed"`
}

// Empty is the response of calls without a result.
type Empty struct{}

// unary builds a method descriptor that decodes Req, calls fn and maps its error.
func unary[S any, Req any, Resp any](service, method string, fn func(S, context.Context, *Req) (*Resp, error)) grpcpkg.MethodDesc {
	fullMethod := "/" + service + "/" + method
	call := func(srv any, ctx context.Context, req *Req) (any, error) {
		resp, err := fn(srv.(S), ctx, req)
		if err != nil {
			return nil, toStatus(ctx, err)
		}
		return resp, nil
	}
	return grpcpkg.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv, ctx, in)
			}
			info := &grpcpkg.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv, ctx, req.(*Req))
			})
		},
	}
}

var inventoryServiceDesc = grpcpkg.ServiceDesc{
	ServiceName: InventoryServiceName,
	HandlerType: (*InventoryService)(nil),
	Methods: []grpcpkg.MethodDesc{
		unary(InventoryServiceName, "Reserve", func(s InventoryService, ctx context.Context, req *ReserveRequest) (*inventory.Reservation, error) {
			res, err := s.Reserve(ctx, req.ReferenceID, req.Items)
			return &res, err
		}),
		unary(InventoryServiceName, "Release", func(s InventoryService, ctx context.Context, req *ReferenceRequest) (*SettleResponse, error) {
			items, err := s.Release(ctx, req.ReferenceID)
			return &SettleResponse{Items: items}, err
		}),
		unary(InventoryServiceName, "Commit", func(s InventoryService, ctx context.Context, req *ReferenceRequest) (*SettleResponse, error) {
			items, err := s.Commit(ctx, req.ReferenceID)
			return &SettleResponse{Items: items}, err
		}),
	},
	Metadata: "storefront/inventory/v1",
}

var couponServiceDesc = grpcpkg.ServiceDesc{
	ServiceName: CouponServiceName,
	HandlerType: (*CouponService)(nil),
	Methods: []grpcpkg.MethodDesc{
		unary(CouponServiceName, "Validate", func(s CouponService, ctx context.Context, req *coupon.ValidateRequest) (*coupon.Quote, error) {
			q, err := s.Validate(ctx, *req)
			return &q, err
		}),
		unary(CouponServiceName, "Redeem", func(s CouponService, ctx context.Context, req *coupon.RedeemRequest) (*coupon.Redemption, error) {
			r, err := s.Redeem(ctx, *req)
			return &r, err
		}),
		unary(CouponServiceName, "Reverse", func(s CouponService, ctx context.Context, req *OrderRequest) (*ReverseResponse, error) {
			r, ok, err := s.Reverse(ctx, req.OrderID)
			return &ReverseResponse{Redemption: r, Reversed: ok}, err
		}),
		unary(CouponServiceName, "Confirm", func(s CouponService, ctx context.Context, req *OrderRequest) (*Empty, error) {
			return &Empty{}, s.Confirm(ctx, req.OrderID)
		}),
	},
	Metadata: "storefront/coupon/v1",
}

var fraudServiceDesc = grpcpkg.ServiceDesc{
	ServiceName: FraudServiceName,
	HandlerType: (*FraudService)(nil),
	Methods: []grpcpkg.MethodDesc{
		unary(FraudServiceName, "Score", func(s FraudService, ctx context.Context, req *fraud.Request) (*fraud.Decision, error) {
			d, err := s.Score(ctx, *req)
			return &d, err
		}),
	},
	Metadata: "storefront/fraud/v1",
}

// RegisterInventory serves svc on s.
func RegisterInventory(s grpcpkg.ServiceRegistrar, svc InventoryService) {
	s.RegisterService(&inventoryServiceDesc, svc)
}

// RegisterCoupon serves svc on s.
func RegisterCoupon(s grpcpkg.ServiceRegistrar, svc CouponService) {
	s.RegisterService(&couponServiceDesc, svc)
}

// RegisterFraud serves svc on s.
func RegisterFraud(s grpcpkg.ServiceRegistrar, svc FraudService) {
	s.RegisterService(&fraudServiceDesc, svc)
}
