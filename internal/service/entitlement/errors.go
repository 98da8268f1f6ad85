package entitlement

import "errors"

var (
	ErrInvalidInput        = errors.New("invalid entitlement input")
	ErrEntitlementNotFound = errors.New("entitlement not found")
	ErrOrderNotFound       = errors.New("no entitlements for order")
	ErrInvalidTransition   = errors.New("entitlement state does not allow this transition")
	ErrNotOwner            = errors.New("entitlement is owned by another user")
	ErrTransferNotAllowed  = errors.New("entitlement is not transferable")
	ErrCoupleLinkInvalid   = errors.New("entitlements cannot be linked as a couple")
	ErrNotScannable        = errors.New("entitlement can no longer be scanned")
)
