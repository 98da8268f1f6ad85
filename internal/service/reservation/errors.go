package reservation

import (
	"errors"
	"fmt"
	"time"

	"github.com/kirinyoku/turnstile/internal/domain"
)

var (
	ErrInvalidInput         = errors.New("invalid reservation input")
	ErrInventoryUnavailable = errors.New("inventory unavailable")
	ErrRateLimited          = errors.New("too many reservation attempts")
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrReservationExpired   = errors.New("reservation expired")
	ErrAlreadyResolved      = errors.New("reservation already resolved")
)

// UnavailableError names the tier that refused a hold.
type UnavailableError struct {
	TierID string
	Reason domain.HoldReason
}

func (e UnavailableError) Error() string {
	return fmt.Sprintf("tier %s unavailable: %s", e.TierID, e.Reason)
}

func (e UnavailableError) Unwrap() error {
	return ErrInventoryUnavailable
}

type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.RetryAfter)
}

func (e RateLimitedError) Unwrap() error {
	return ErrRateLimited
}
