package scan

import "errors"

var (
	ErrInvalidInput        = errors.New("invalid scan input")
	ErrEntitlementNotFound = errors.New("entitlement not found")
)
