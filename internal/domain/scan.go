package domain

import (
	"time"

	"github.com/google/uuid"
)

type ScanResult string

const (
	ScanGranted ScanResult = "GRANTED"
	ScanDenied  ScanResult = "DENIED"
)

type ReasonCode string

const (
	ReasonInvalidQR            ReasonCode = "INVALID_QR"
	ReasonSignatureInvalid     ReasonCode = "SIGNATURE_INVALID"
	ReasonStaleQR              ReasonCode = "STALE_QR"
	ReasonEntitlementNotFound  ReasonCode = "ENTITLEMENT_NOT_FOUND"
	ReasonEntitlementNotActive ReasonCode = "ENTITLEMENT_NOT_ACTIVE"
	ReasonEventMismatch        ReasonCode = "EVENT_MISMATCH"
	ReasonGenderMismatch       ReasonCode = "GENDER_MISMATCH"
	ReasonCoupleIncomplete     ReasonCode = "COUPLE_INCOMPLETE"
	ReasonAlreadyConsumed      ReasonCode = "ALREADY_CONSUMED"
)

type ScanLedgerEntry struct {
	ScanID         uuid.UUID        `json:"scan_id"`
	EntitlementID  *uuid.UUID       `json:"entitlement_id,omitempty"`
	EventID        string           `json:"event_id"`
	ScannerID      string           `json:"scanner_id"`
	Timestamp      time.Time        `json:"timestamp"`
	Result         ScanResult       `json:"result"`
	ReasonCode     ReasonCode       `json:"reason_code,omitempty"`
	PriorState     EntitlementState `json:"prior_state,omitempty"`
	CredentialHash string           `json:"credential_hash,omitempty"`
}

// ScanOutcome is what the door sees. Denials are outcomes, not errors.
type ScanOutcome struct {
	ScanID      uuid.UUID        `json:"scan_id"`
	Result      ScanResult       `json:"result"`
	ReasonCode  ReasonCode       `json:"reason_code,omitempty"`
	PriorState  EntitlementState `json:"prior_state,omitempty"`
	Entitlement *Entitlement     `json:"entitlement,omitempty"`
}
