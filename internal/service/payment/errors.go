package payment

import "errors"

var (
	ErrSignature        = errors.New("webhook signature invalid")
	ErrInvalidPayload   = errors.New("webhook payload invalid")
	ErrUnsupportedEvent = errors.New("webhook event type not supported")
	ErrReservationGone  = errors.New("reservation released before settlement")
)
