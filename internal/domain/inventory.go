package domain

import "time"

// HoldReason explains why a hold was refused.
type HoldReason string

const (
	HoldCapacityExceeded HoldReason = "CAPACITY_EXCEEDED"
	HoldTierNotFound     HoldReason = "TIER_NOT_FOUND"
)

type InventoryCounter struct {
	EventID   string    `json:"event_id"`
	TierID    string    `json:"tier_id"`
	Capacity  int64     `json:"capacity"`
	Held      int64     `json:"held"`
	Sold      int64     `json:"sold"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Available is the number of units that can still be held.
func (c InventoryCounter) Available() int64 {
	return c.Capacity - c.Held - c.Sold
}

type HoldResult struct {
	OK     bool       `json:"ok"`
	Reason HoldReason `json:"reason,omitempty"`
	// TierID names the tier that refused the hold.
	TierID string `json:"tier_id,omitempty"`
}

// TierItem is one line of a reservation: qty units of a ticket tier.
type TierItem struct {
	TierID string `json:"tier_id"`
	Qty    int64  `json:"qty"`
}
