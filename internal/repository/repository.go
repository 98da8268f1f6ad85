package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/turnstile/internal/domain"
)

// Store groups the per-collection repositories. Every method is an atomic
// unit scoped to the narrowest key it touches.
type Store interface {
	Inventory() InventoryRepo
	Reservations() ReservationRepo
	Entitlements() EntitlementRepo
	Queue() QueueRepo
	ScanLedger() ScanLedgerRepo
}

type InventoryRepo interface {
	// Upsert sets the capacity of a tier, creating the counter if needed.
	// Returns ErrCapacityBelowUse if capacity < held+sold.
	Upsert(ctx context.Context, eventID, tierID string, capacity int64) (*domain.InventoryCounter, error)
	Get(ctx context.Context, eventID, tierID string) (*domain.InventoryCounter, error)
	ListByEvent(ctx context.Context, eventID string) ([]domain.InventoryCounter, error)
	// TryHold adds qty to held iff capacity-(held+sold) >= qty.
	// Returns ErrCapacityExceeded or ErrNotFound otherwise.
	TryHold(ctx context.Context, eventID, tierID string, qty int64) (*domain.InventoryCounter, error)
	// Release subtracts qty from held, never going below zero.
	Release(ctx context.Context, eventID, tierID string, qty int64) (*domain.InventoryCounter, error)
	// Commit moves qty from held to sold.
	Commit(ctx context.Context, eventID, tierID string, qty int64) (*domain.InventoryCounter, error)
}

type ReservationRepo interface {
	Create(ctx context.Context, r *domain.Reservation) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Reservation, error)
	// Confirm flips an active, unexpired reservation to confirmed.
	// Returns ErrReservationExpired or ErrAlreadyResolved otherwise.
	Confirm(ctx context.Context, id uuid.UUID, now time.Time) (*domain.Reservation, error)
	// Release moves an active reservation to status and sets the released
	// flag. The bool is true only for the single call that flipped the flag.
	Release(ctx context.Context, id uuid.UUID, status domain.ReservationStatus, now time.Time) (*domain.Reservation, bool, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)
}

// EntitlementMutator edits e in place. Returning an error aborts the write.
type EntitlementMutator func(e *domain.Entitlement) error

// ScanDecider inspects e under the per-entitlement lock, mutates it when
// granting, and returns the ledger entry to append.
type ScanDecider func(e *domain.Entitlement) domain.ScanLedgerEntry

type EntitlementRepo interface {
	// IssueBatch inserts ents for orderID unless entitlements already exist
	// for that order, in which case the existing set is returned and created
	// is false.
	IssueBatch(ctx context.Context, orderID string, ents []domain.Entitlement) (out []domain.Entitlement, created bool, err error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Entitlement, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Entitlement, error)
	// Update runs fn with exclusive access to the entitlement and persists
	// the result.
	Update(ctx context.Context, id uuid.UUID, fn EntitlementMutator) (*domain.Entitlement, error)
	// Scan runs decide with exclusive access to the entitlement, persists it
	// when the entry is GRANTED or decide changed its state, and appends the
	// entry, as one unit.
	Scan(ctx context.Context, id uuid.UUID, decide ScanDecider) (*domain.Entitlement, *domain.ScanLedgerEntry, error)
	// Link sets couple_partner_id symmetrically on a and b.
	Link(ctx context.Context, a, b uuid.UUID) (*domain.Entitlement, *domain.Entitlement, error)
	// Rendezvous serializes on the entitlement's (event, couple key) and links
	// it with the oldest other unlinked couple entitlement carrying the same
	// key. partner is nil when nobody has arrived yet.
	Rendezvous(ctx context.Context, id uuid.UUID) (self, partner *domain.Entitlement, err error)
	// ListExpirable returns ISSUED/ACTIVE entitlements whose valid_until <= now.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]domain.Entitlement, error)
}

type QueueRepo interface {
	// Join assigns the next position for the event under the per-event lock
	// and stamps joined_at inside that lock. If state is called the entry is
	// admitted immediately with the given deadline.
	Join(ctx context.Context, e *domain.QueueEntry, now func() time.Time) (*domain.QueueEntry, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error)
	// FindOpen returns the user's waiting or called entry for the event.
	FindOpen(ctx context.Context, eventID, userID string) (*domain.QueueEntry, error)
	// CallNext marks up to n waiting entries, lowest position first, as called.
	CallNext(ctx context.Context, eventID string, n int, now, deadline time.Time) ([]domain.QueueEntry, error)
	// ExpireCalled moves called entries past their deadline to expired.
	ExpireCalled(ctx context.Context, eventID string, now time.Time) ([]domain.QueueEntry, error)
	// Convert moves a called entry to converted if its deadline has not passed.
	Convert(ctx context.Context, id uuid.UUID, reservationID uuid.UUID, now time.Time) (*domain.QueueEntry, error)
	// CountAhead counts waiting entries of the event with a lower position.
	CountAhead(ctx context.Context, eventID string, position int64) (int64, error)
	Stats(ctx context.Context, eventID string) (domain.QueueStats, error)
	// ActiveEvents lists events that have waiting or called entries.
	ActiveEvents(ctx context.Context) ([]string, error)
}

type ScanLedgerRepo interface {
	Append(ctx context.Context, e *domain.ScanLedgerEntry) error
	ListByEntitlement(ctx context.Context, id uuid.UUID) ([]domain.ScanLedgerEntry, error)
	ListByEvent(ctx context.Context, eventID string, limit int) ([]domain.ScanLedgerEntry, error)
}
