package grpc

import (
	"context"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"storefront/internal/coupon"
	"storefront/internal/fraud"
	"storefront/internal/inventory"
)

// Dial opens a plaintext client connection to target.
func Dial(target string, opts ...grpcpkg.DialOption) (*grpcpkg.ClientConn, error) {
	opts = append([]grpcpkg.DialOption{grpcpkg.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	return grpcpkg.NewClient(target, opts...)
}

func invoke(ctx context.Context, conn grpcpkg.ClientConnInterface, service, method string, in, out any) error {
	fullMethod := "/" + service + "/" + method
	var trailer metadata.MD
	err := conn.Invoke(ctx, fullMethod, in, out, grpcpkg.Trailer(&trailer), grpcpkg.CallContentSubtype(CodecName))
	return fromStatus(fullMethod, err, trailer)
}

// InventoryClient calls a remote inventory service.
type InventoryClient struct {
	conn grpcpkg.ClientConnInterface
}

// NewInventoryClient constructs an InventoryClient.
func NewInventoryClient(conn grpcpkg.ClientConnInterface) *InventoryClient {
	return &InventoryClient{conn: conn}
}

func (c *InventoryClient) Reserve(ctx context.Context, referenceID string, items []inventory.Item) (inventory.Reservation, error) {
	var out inventory.Reservation
	err := invoke(ctx, c.conn, InventoryServiceName, "Reserve", &ReserveRequest{ReferenceID: referenceID, Items: items}, &out)
	return out, err
}

func (c *InventoryClient) Release(ctx context.Context, referenceID string) ([]inventory.Item, error) {
	var out SettleResponse
	err := invoke(ctx, c.conn, InventoryServiceName, "Release", &ReferenceRequest{ReferenceID: referenceID}, &out)
	return out.Items, err
}

func (c *InventoryClient) Commit(ctx context.Context, referenceID string) ([]inventory.Item, error) {
	var out SettleResponse
	err := invoke(ctx, c.conn, InventoryServiceName, "Commit", &ReferenceRequest{ReferenceID: referenceID}, &out)
	return out.Items, err
}

// CouponClient calls a remote coupon service.
type CouponClient struct {
	conn grpcpkg.ClientConnInterface
}

// NewCouponClient constructs a CouponClient.
func NewCouponClient(conn grpcpkg.ClientConnInterface) *CouponClient {
	return &CouponClient{conn: conn}
}

func (c *CouponClient) Validate(ctx context.Context, req coupon.ValidateRequest) (coupon.Quote, error) {
	var out coupon.Quote
	err := invoke(ctx, c.conn, CouponServiceName, "Validate", &req, &out)
	return out, err
}

func (c *CouponClient) Redeem(ctx context.Context, req coupon.RedeemRequest) (coupon.Redemption, error) {
	var out coupon.Redemption
	err := invoke(ctx, c.conn, CouponServiceName, "Redeem", &req, &out)
	return out, err
}

func (c *CouponClient) Reverse(ctx context.Context, orderID string) (coupon.Redemption, bool, error) {
	var out ReverseResponse
	err := invoke(ctx, c.conn, CouponServiceName, "Reverse", &OrderRequest{OrderID: orderID}, &out)
	return out.Redemption, out.Reversed, err
}

func (c *CouponClient) Confirm(ctx context.Context, orderID string) error {
	return invoke(ctx, c.conn, CouponServiceName, "Confirm", &OrderRequest{OrderID: orderID}, &Empty{})
}

// FraudClient calls a remote fraud gate.
type FraudClient struct {
	conn grpcpkg.ClientConnInterface
}

// NewFraudClient constructs a FraudClient.
func NewFraudClient(conn grpcpkg.ClientConnInterface) *FraudClient {
	return &FraudClient{conn: conn}
}

func (c *FraudClient) Score(ctx context.Context, req fraud.Request) (fraud.Decision, error) {
	var out fraud.Decision
	err := invoke(ctx, c.conn, FraudServiceName, "Score", &req, &out)
	return out, err
}

var (
	_ InventoryService = (*InventoryClient)(nil)
	_ CouponService    = (*CouponClient)(nil)
	_ FraudService     = (*FraudClient)(nil)
)
