// Package audit holds the timestamp fields embedded by persisted aggregates.
package audit

import "time"

// Stamp records when an aggregate was created and last changed.
type Stamp struct {
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Touch sets UpdatedAt, and CreatedAt when it is still zero.
func (s *Stamp) Touch(now time.Time) {
	now = now.UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
}
