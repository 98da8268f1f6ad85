package httpgin

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kirinyoku/turnstile/internal/repository"
	"github.com/kirinyoku/turnstile/internal/service/admission"
	"github.com/kirinyoku/turnstile/internal/service/entitlement"
	"github.com/kirinyoku/turnstile/internal/service/inventory"
	"github.com/kirinyoku/turnstile/internal/service/payment"
	"github.com/kirinyoku/turnstile/internal/service/reservation"
	"github.com/kirinyoku/turnstile/internal/service/scan"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// errorMappings is checked in order; the first match wins.
var errorMappings = []errorMapping{
	// inventory service
	{inventory.ErrInvalidInput, http.StatusBadRequest, "INVALID_INPUT"},
	{inventory.ErrTierNotFound, http.StatusNotFound, "TIER_NOT_FOUND"},
	{inventory.ErrCapacityBelowUse, http.StatusConflict, "CAPACITY_BELOW_USE"},
	// admission service
	{admission.ErrInvalidInput, http.StatusBadRequest, "INVALID_INPUT"},
	{admission.ErrQueueEntryNotFound, http.StatusNotFound, "QUEUE_ENTRY_NOT_FOUND"},
	{admission.ErrQueueRequired, http.StatusForbidden, "QUEUE_REQUIRED"},
	{admission.ErrQueueEntryMismatch, http.StatusForbidden, "QUEUE_ENTRY_MISMATCH"},
	{admission.ErrQueueEntryNotCalled, http.StatusConflict, "QUEUE_ENTRY_NOT_CALLED"},
	{admission.ErrQueueEntryExpired, http.StatusGone, "QUEUE_ENTRY_EXPIRED"},
	{admission.ErrQueueEntryUsed, http.StatusConflict, "QUEUE_ENTRY_USED"},
	// reservation service
	{reservation.ErrInvalidInput, http.StatusBadRequest, "INVALID_INPUT"},
	{reservation.ErrReservationNotFound, http.StatusNotFound, "RESERVATION_NOT_FOUND"},
	{reservation.ErrReservationExpired, http.StatusGone, "RESERVATION_EXPIRED"},
	{reservation.ErrAlreadyResolved, http.StatusConflict, "RESERVATION_ALREADY_RESOLVED"},
	// entitlement service
	{entitlement.ErrInvalidInput, http.StatusBadRequest, "INVALID_INPUT"},
	{entitlement.ErrEntitlementNotFound, http.StatusNotFound, "ENTITLEMENT_NOT_FOUND"},
	{entitlement.ErrOrderNotFound, http.StatusNotFound, "ORDER_NOT_FOUND"},
	{entitlement.ErrNotOwner, http.StatusForbidden, "NOT_OWNER"},
	{entitlement.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
	{entitlement.ErrTransferNotAllowed, http.StatusConflict, "TRANSFER_NOT_ALLOWED"},
	{entitlement.ErrCoupleLinkInvalid, http.StatusConflict, "COUPLE_LINK_INVALID"},
	{entitlement.ErrNotScannable, http.StatusConflict, "ENTITLEMENT_NOT_ACTIVE"},
	// scan service
	{scan.ErrInvalidInput, http.StatusBadRequest, "INVALID_INPUT"},
	{scan.ErrEntitlementNotFound, http.StatusNotFound, "ENTITLEMENT_NOT_FOUND"},
	// payment service
	{payment.ErrSignature, http.StatusUnauthorized, "SIGNATURE_INVALID"},
	{payment.ErrInvalidPayload, http.StatusBadRequest, "INVALID_PAYLOAD"},
	{payment.ErrUnsupportedEvent, http.StatusUnprocessableEntity, "UNSUPPORTED_EVENT"},
	{payment.ErrReservationGone, http.StatusConflict, "RESERVATION_GONE"},
	// store
	{repository.ErrTransient, http.StatusServiceUnavailable, "STORE_BUSY"},
}

func respondErr(c *gin.Context, err error) {
	if err == nil {
		c.Status(http.StatusNoContent)
		return
	}

	var unavailable reservation.UnavailableError
	if errors.As(err, &unavailable) {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:  err.Error(),
			Code:   string(unavailable.Reason),
			TierID: unavailable.TierID,
		})
		return
	}

	var limited reservation.RateLimitedError
	if errors.As(err, &limited) {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(limited.RetryAfter.Seconds()))))
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: err.Error(), Code: "RATE_LIMITED"})
		return
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			if m.status == http.StatusServiceUnavailable {
				c.Header("Retry-After", "1")
			}
			c.JSON(m.status, ErrorResponse{Error: m.target.Error(), Code: m.code})
			return
		}
	}

	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "INTERNAL"})
}
