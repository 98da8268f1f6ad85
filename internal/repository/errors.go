package repository

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrTransient          = errors.New("transient storage conflict, retries exhausted")
	ErrCapacityExceeded   = errors.New("capacity exceeded")
	ErrCapacityBelowUse   = errors.New("capacity below held+sold")
	ErrReservationExpired = errors.New("reservation expired")
	ErrAlreadyResolved    = errors.New("reservation already resolved")
	ErrQueueNotCalled     = errors.New("queue entry not called")
	ErrQueueExpired       = errors.New("queue entry expired")
)
