package grpc

import (
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Services bundles what a server exposes. Nil services are not registered.
type Services struct {
	Inventory InventoryService
	Coupons   CouponService
	Fraud     FraudService
}

// NewServer builds a gRPC server for svc plus the standard health service. The returned
// health server lets the caller flip services to NOT_SERVING during shutdown.
func NewServer(svc Services, opts ...grpcpkg.ServerOption) (*grpcpkg.Server, *health.Server) {
	s := grpcpkg.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)

	if svc.Inventory != nil {
		RegisterInventory(s, svc.Inventory)
		hs.SetServingStatus(InventoryServiceName, healthpb.HealthCheckResponse_SERVING)
	}
	if svc.Coupons != nil {
		RegisterCoupon(s, svc.Coupons)
		hs.SetServingStatus(CouponServiceName, healthpb.HealthCheckResponse_SERVING)
	}
	if svc.Fraud != nil {
		RegisterFraud(s, svc.Fraud)
		hs.SetServingStatus(FraudServiceName, healthpb.HealthCheckResponse_SERVING)
	}
	return s, hs
}
