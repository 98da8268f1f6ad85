package admission

import "errors"

var (
	ErrInvalidInput        = errors.New("invalid queue input")
	ErrQueueEntryNotFound  = errors.New("queue entry not found")
	ErrQueueRequired       = errors.New("event is in surge, a called queue entry is required")
	ErrQueueEntryMismatch  = errors.New("queue entry belongs to another user or event")
	ErrQueueEntryNotCalled = errors.New("queue entry has not been called yet")
	ErrQueueEntryExpired   = errors.New("queue entry admission window has closed")
	ErrQueueEntryUsed      = errors.New("queue entry already converted")
)
