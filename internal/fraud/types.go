package fraud

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// RiskLevel buckets a score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Request carries the checkout attributes the gate scores.
type Request struct {
	OrderID         string          `json:"orderId"`
	UserID          string          `json:"userId"`
	Amount          decimal.Decimal `json:"amount"`
	ShippingAddress string          `json:"shippingAddress,omitempty"`
	BillingAddress  string          `json:"billingAddress,omitempty"`
	Email           string          `json:"email,omitempty"`
	DeviceID        string          `json:"deviceId,omitempty"`
	IPAddress       string          `json:"ipAddress,omitempty"`
}

// Decision is the immutable verdict issued for one order.
type Decision struct {
	OrderID        string    `json:"orderId"`
	Score          int       `json:"score"`
	RiskLevel      RiskLevel `json:"riskLevel"`
	Approved       bool      `json:"approved"`
	ReviewRequired bool      `json:"reviewRequired"`
	Escalated      bool      `json:"escalated"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Profile summarizes a user's past orders.
type Profile struct {
	OrderCount    int
	AverageAmount decimal.Decimal
	OrdersLast24h int
	KnownDevices  []string
	KnownIPs      []string
	Chargebacks   int
}

// Attempt is the history row recorded for every scored order.
type Attempt struct {
	OrderID   string
	UserID    string
	Amount    decimal.Decimal
	DeviceID  string
	IPAddress string
	CreatedAt time.Time
}

// Store supplies user history and keeps issued decisions.
type Store interface {
	Profile(ctx context.Context, userID string, since time.Time) (Profile, error)
	RecordAttempt(ctx context.Context, a Attempt) error
	Decision(ctx context.Context, orderID string) (Decision, bool, error)
	// SaveDecision stores d unless a decision exists for the order, in which case the
	// stored one is returned.
	SaveDecision(ctx context.Context, d Decision) (Decision, error)
}
