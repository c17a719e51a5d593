// Package fraud scores checkout attempts and turns the score into an approve, review or block decision.
package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"storefront/internal/alert"
	"storefront/internal/apperr"
	"storefront/internal/telemetry"
)

// Score thresholds.
const (
	MediumThreshold   = 40
	HighThreshold     = 70
	CriticalThreshold = 90
)

var (
	amountHigh     = decimal.NewFromInt(1000)
	amountElevated = decimal.NewFromInt(500)
)

// Gate issues fraud decisions.
type Gate struct {
	store   Store
	alerter alert.Alerter
	now     func() time.Time
	logger  *slog.Logger
}

// NewGate constructs a Gate. A nil alerter logs escalations.
func NewGate(store Store, alerter alert.Alerter, now func() time.Time, logger *slog.Logger) *Gate {
	logger = telemetry.OrDefault(logger).With("component", "fraud")
	if alerter == nil {
		alerter = alert.NewLogAlerter(logger)
	}
	if now == nil {
		now = time.Now
	}
	return &Gate{store: store, alerter: alerter, now: now, logger: logger}
}

// Score returns the decision for the order, issuing it on first call.
func (g *Gate) Score(ctx context.Context, req Request) (Decision, error) {
	switch {
	case req.OrderID == "":
		return Decision{}, apperr.Validation("orderId", "required")
	case req.UserID == "":
		return Decision{}, apperr.Validation("userId", "required")
	case !req.Amount.IsPositive():
		return Decision{}, apperr.Validation("amount", "must be positive")
	}

	if prior, ok, err := g.store.Decision(ctx, req.OrderID); err != nil {
		return Decision{}, err
	} else if ok {
		return prior, nil
	}

	now := g.now().UTC()
	profile, err := g.store.Profile(ctx, req.UserID, now.Add(-24*time.Hour))
	if err != nil {
		return Decision{}, err
	}

	score, reasons := Evaluate(req, profile)
	d := Classify(score)
	d.OrderID = req.OrderID
	d.Reason = strings.Join(reasons, "; ")
	d.CreatedAt = now

	saved, err := g.store.SaveDecision(ctx, d)
	if err != nil {
		return Decision{}, err
	}
	if err := g.store.RecordAttempt(ctx, Attempt{
		OrderID:   req.OrderID,
		UserID:    req.UserID,
		Amount:    req.Amount,
		DeviceID:  req.DeviceID,
		IPAddress: req.IPAddress,
		CreatedAt: now,
	}); err != nil {
		g.logger.WarnContext(ctx, "record fraud attempt failed", "order_id", req.OrderID, "error", err)
	}

	if saved.Escalated {
		g.alerter.Escalate(ctx, alert.Alert{
			Source:  "fraud",
			OrderID: req.OrderID,
			Message: fmt.Sprintf("critical fraud score %d for user %s", saved.Score, req.UserID),
		})
	}
	if saved.RiskLevel != RiskLow {
		g.logger.WarnContext(ctx, "elevated fraud risk", "order_id", req.OrderID, "score", saved.Score, "risk_level", string(saved.RiskLevel))
	}
	return saved, nil
}

// Classify maps a score onto its risk level and verdict.
func Classify(score int) Decision {
	d := Decision{Score: score}
	switch {
	case score >= CriticalThreshold:
		d.RiskLevel, d.Escalated = RiskCritical, true
	case score >= HighThreshold:
		d.RiskLevel = RiskHigh
	case score >= MediumThreshold:
		d.RiskLevel, d.Approved, d.ReviewRequired = RiskMedium, true, true
	default:
		d.RiskLevel, d.Approved = RiskLow, true
	}
	return d
}

// Evaluate computes the weighted 0-100 score. Equal inputs always give equal scores.
func Evaluate(req Request, p Profile) (int, []string) {
	score := 0
	var reasons []string

	if req.ShippingAddress != "" && req.BillingAddress != "" && !sameAddress(req.ShippingAddress, req.BillingAddress) {
		score += 15
		reasons = append(reasons, "shipping and billing addresses do not match")
	}

	switch {
	case p.OrdersLast24h >= 10:
		score += 25
		reasons = append(reasons, "many orders in the last 24 hours")
	case p.OrdersLast24h >= 5:
		score += 15
		reasons = append(reasons, "many orders in the last 24 hours")
	case p.OrdersLast24h >= 3:
		score += 8
	}

	amount := 0
	switch {
	case req.Amount.GreaterThan(amountHigh):
		amount += 12
	case req.Amount.GreaterThan(amountElevated):
		amount += 8
	}
	if p.OrderCount > 0 && p.AverageAmount.IsPositive() {
		switch ratio := req.Amount.Div(p.AverageAmount); {
		case ratio.GreaterThan(decimal.NewFromInt(5)):
			amount += 13
		case ratio.GreaterThan(decimal.NewFromInt(3)):
			amount += 8
		}
	}
	if amount > 25 {
		amount = 25
	}
	if amount > 10 {
		reasons = append(reasons, "order amount is unusually high")
	}
	score += amount

	switch {
	case req.DeviceID == "":
		score += 10
		reasons = append(reasons, "no device fingerprint")
	case !contains(p.KnownDevices, req.DeviceID):
		score += 5
	}

	if strings.TrimSpace(req.Email) == "" {
		score += 10
		reasons = append(reasons, "email not provided")
	}

	switch {
	case req.IPAddress == "":
		score += 3
	case !contains(p.KnownIPs, req.IPAddress):
		score += 5
	}

	if p.Chargebacks > 0 {
		cb := 15 * p.Chargebacks
		if cb > 30 {
			cb = 30
		}
		score += cb
		reasons = append(reasons, fmt.Sprintf("%d prior chargebacks", p.Chargebacks))
	}

	if score > 100 {
		score = 100
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "order appears legitimate")
	}
	return score, reasons
}

func sameAddress(a, b string) bool {
	norm := func(s string) string {
		return strings.Join(strings.Fields(strings.ToLower(s)), " ")
	}
	return norm(a) == norm(b)
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
