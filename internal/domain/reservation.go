package domain

import (
	"time"

	"github.com/google/uuid"
)

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationExpired   ReservationStatus = "expired"
	ReservationReleased  ReservationStatus = "released"
)

type Reservation struct {
	ID           uuid.UUID         `json:"id"`
	EventID      string            `json:"event_id"`
	UserID       string            `json:"user_id"`
	QueueEntryID *uuid.UUID        `json:"queue_entry_id,omitempty"`
	Items        []TierItem        `json:"items"`
	Status       ReservationStatus `json:"status"`
	// Released is set exactly once, together with the transition that gives
	// the held inventory back to the ledger.
	Released   bool       `json:"released"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// IsExpired reports whether the hold window has closed at now.
func (r *Reservation) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Units is the total number of ticket units across all items.
func (r *Reservation) Units() int64 {
	var n int64
	for _, it := range r.Items {
		n += it.Qty
	}
	return n
}
