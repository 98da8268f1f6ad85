package httpgin

import (

	"github.com/kirinyoku/turnstile/internal/domain"
)

type JoinQueueRequest struct {
	EventID  string `json:"event_id" binding:"required"`
	UserID   string `json:"user_id" binding:"required"`
	DeviceID string `json:"device_id"`
}

type TierItemInput struct {
	TierID string `json:"tier_id" binding:"required"`
	Qty    int64  `json:"qty" binding:"required,gt=0"`
}

type CreateReservationRequest struct {
	EventID      string          `json:"event_id" binding:"required"`
	UserID       string          `json:"user_id" binding:"required"`
	Items        []TierItemInput `json:"items" binding:"required,min=1,dive"`
	TTLSec       int             `json:"ttl_sec"`
	QueueEntryID string          `json:"queue_entry_id" binding:"omitempty,uuid"`
}

// ConfirmReservationRequest is the buyer-facing confirm body. Ticket type,
// scan allowance and validity are not taken from it; they arrive with the
// signed payment event.
type ConfirmReservationRequest struct {
	ClaimSource string `json:"claim_source" binding:"max=64"`
}

type ConfirmReservationResponse struct {
	ReservationID string               `json:"reservation_id"`
	OrderID       string               `json:"order_id"`
	Entitlements  []domain.Entitlement `json:"entitlements"`
}

type ScanRequest struct {
	Credential     string `json:"credential" binding:"required"`
	EventID        string `json:"event_id" binding:"required"`
	ScannerID      string `json:"scanner_id" binding:"required"`
	AttendeeGender string `json:"attendee_gender" binding:"omitempty,oneof=male female"`
}

type TransferRequest struct {
	FromUserID string `json:"from_user_id" binding:"required"`
	ToUserID   string `json:"to_user_id" binding:"required"`
}

type RevokeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type LinkRequest struct {
	A string `json:"a" binding:"required,uuid"`
	B string `json:"b" binding:"required,uuid"`
}

type LinkResponse struct {
	A *domain.Entitlement `json:"a"`
	B *domain.Entitlement `json:"b"`
}

type ConfigureTierRequest struct {
	Capacity *int64 `json:"capacity" binding:"required,gte=0"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	TierID string `json:"tier_id,omitempty"`
}
