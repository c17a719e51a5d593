package fraud

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps fraud history in process.
type MemoryStore struct {
	mu          sync.Mutex
	attempts    []Attempt
	chargebacks map[string]int
	decisions   map[string]Decision
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chargebacks: make(map[string]int),
		decisions:   make(map[string]Decision),
	}
}

// AddChargeback records a chargeback against a user.
func (s *MemoryStore) AddChargeback(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chargebacks[userID]++
}

func (s *MemoryStore) Profile(_ context.Context, userID string, since time.Time) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := Profile{Chargebacks: s.chargebacks[userID]}
	total := decimal.Zero
	devices := map[string]bool{}
	ips := map[string]bool{}
	for _, a := range s.attempts {
		if a.UserID != userID {
			continue
		}
		p.OrderCount++
		total = total.Add(a.Amount)
		if !a.CreatedAt.Before(since) {
			p.OrdersLast24h++
		}
		if a.DeviceID != "" && !devices[a.DeviceID] {
			devices[a.DeviceID] = true
			p.KnownDevices = append(p.KnownDevices, a.DeviceID)
		}
		if a.IPAddress != "" && !ips[a.IPAddress] {
			ips[a.IPAddress] = true
			p.KnownIPs = append(p.KnownIPs, a.IPAddress)
		}
	}
	if p.OrderCount > 0 {
		p.AverageAmount = total.Div(decimal.NewFromInt(int64(p.OrderCount))).Round(2)
	}
	return p, nil
}

func (s *MemoryStore) RecordAttempt(_ context.Context, a Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.attempts {
		if existing.OrderID == a.OrderID {
			return nil
		}
	}
	s.attempts = append(s.attempts, a)
	return nil
}

func (s *MemoryStore) Decision(_ context.Context, orderID string) (Decision, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[orderID]
	return d, ok, nil
}

func (s *MemoryStore) SaveDecision(_ context.Context, d Decision) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prior, ok := s.decisions[d.OrderID]; ok {
		return prior, nil
	}
	s.decisions[d.OrderID] = d
	return d, nil
}
