package domain

import (
	"time"

	"github.com/google/uuid"
)

type TicketType string

const (
	TicketPaid   TicketType = "paid"
	TicketFree   TicketType = "free"
	TicketRSVP   TicketType = "rsvp"
	TicketCouple TicketType = "couple"
)

func (t TicketType) Valid() bool {
	switch t {
	case TicketPaid, TicketFree, TicketRSVP, TicketCouple:
		return true
	}
	return false
}

// ActivatesOnIssue reports whether the ticket needs no payment settlement.
func (t TicketType) ActivatesOnIssue() bool {
	return t == TicketFree || t == TicketRSVP
}

type Gender string

const (
	GenderAny    Gender = ""
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

type EntitlementState string

const (
	EntitlementIssued   EntitlementState = "ISSUED"
	EntitlementActive   EntitlementState = "ACTIVE"
	EntitlementConsumed EntitlementState = "CONSUMED"
	EntitlementRevoked  EntitlementState = "REVOKED"
	EntitlementExpired  EntitlementState = "EXPIRED"
)

// Terminal states never transition again.
func (s EntitlementState) Terminal() bool {
	switch s {
	case EntitlementConsumed, EntitlementRevoked, EntitlementExpired:
		return true
	}
	return false
}

var entitlementTransitions = map[EntitlementState][]EntitlementState{
	EntitlementIssued: {EntitlementActive, EntitlementRevoked, EntitlementExpired},
	EntitlementActive: {EntitlementConsumed, EntitlementRevoked, EntitlementExpired},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to EntitlementState) bool {
	for _, s := range entitlementTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type TransferRecord struct {
	FromUserID string    `json:"from_user_id"`
	ToUserID   string    `json:"to_user_id"`
	At         time.Time `json:"at"`
}

type EntitlementMetadata struct {
	ClaimSource     string           `json:"claim_source,omitempty"`
	TransferHistory []TransferRecord `json:"transfer_history,omitempty"`
	CouplePartnerID *uuid.UUID       `json:"couple_partner_id,omitempty"`
	RevokeReason    string           `json:"revoke_reason,omitempty"`
}

type Entitlement struct {
	ID               uuid.UUID           `json:"id"`
	EventID          string              `json:"event_id"`
	OrderID          string              `json:"order_id"`
	UnitIndex        int                 `json:"unit_index"`
	ReservationID    *uuid.UUID          `json:"reservation_id,omitempty"`
	OwnerUserID      string              `json:"owner_user_id"`
	TierID           string              `json:"tier_id"`
	TicketType       TicketType          `json:"ticket_type"`
	GenderConstraint Gender              `json:"gender_constraint,omitempty"`
	ScanCountAllowed int                 `json:"scan_count_allowed"`
	ScanCountUsed    int                 `json:"scan_count_used"`
	State            EntitlementState    `json:"state"`
	IssuedAt         time.Time           `json:"issued_at"`
	ActivatedAt      *time.Time          `json:"activated_at,omitempty"`
	ConsumedAt       *time.Time          `json:"consumed_at,omitempty"`
	RevokedAt        *time.Time          `json:"revoked_at,omitempty"`
	ValidUntil       *time.Time          `json:"valid_until,omitempty"`
	CoupleKey        string              `json:"couple_key,omitempty"`
	Metadata         EntitlementMetadata `json:"metadata"`
}

// Generation counts ownership changes; credentials minted for an older
// generation are stale.
func (e *Entitlement) Generation() uint32 {
	return uint32(len(e.Metadata.TransferHistory))
}

// Transition moves the entitlement to state `to`, stamping the matching
// timestamp. It returns false and leaves e untouched for illegal moves.
func (e *Entitlement) Transition(to EntitlementState, at time.Time) bool {
	if !CanTransition(e.State, to) {
		return false
	}
	e.State = to
	switch to {
	case EntitlementActive:
		e.ActivatedAt = &at
	case EntitlementConsumed:
		e.ConsumedAt = &at
	case EntitlementRevoked:
		e.RevokedAt = &at
	}
	return true
}

// CoupleLinked reports whether a couple ticket has its partner set.
// Non-couple tickets are always considered linked.
func (e *Entitlement) CoupleLinked() bool {
	if e.TicketType != TicketCouple {
		return true
	}
	return e.Metadata.CouplePartnerID != nil
}

// CanPair reports whether a and b may be linked as a couple: both couple
// tickets of the same event, each unlinked or already linked to the other.
func CanPair(a, b *Entitlement) bool {
	if a.ID == b.ID {
		return false
	}
	if a.TicketType != TicketCouple || b.TicketType != TicketCouple {
		return false
	}
	if a.EventID != b.EventID {
		return false
	}
	if p := a.Metadata.CouplePartnerID; p != nil && *p != b.ID {
		return false
	}
	if p := b.Metadata.CouplePartnerID; p != nil && *p != a.ID {
		return false
	}
	return true
}
