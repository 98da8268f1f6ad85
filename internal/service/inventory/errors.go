package inventory

import "errors"

var (
	ErrInvalidInput     = errors.New("invalid inventory input")
	ErrTierNotFound     = errors.New("tier not found")
	ErrCapacityBelowUse = errors.New("capacity below held plus sold")
)
