package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/kirinyoku/turnstile/internal/domain"
)

// ScanLedgerRepo is append-only; entries are never mutated after Append.
type ScanLedgerRepo struct {
	mu      sync.RWMutex
	entries []domain.ScanLedgerEntry
}

func (r *ScanLedgerRepo) Append(ctx context.Context, e *domain.ScanLedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c := *e
	c.EntitlementID = cloneUUID(e.EntitlementID)

	r.mu.Lock()
	r.entries = append(r.entries, c)
	r.mu.Unlock()

	return nil
}

func (r *ScanLedgerRepo) ListByEntitlement(ctx context.Context, id uuid.UUID) ([]domain.ScanLedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.ScanLedgerEntry
	for _, e := range r.entries {
		if e.EntitlementID != nil && *e.EntitlementID == id {
			out = append(out, e)
		}
	}

	return out, nil
}

// ListByEvent returns the most recent entries of the event, newest first.
func (r *ScanLedgerRepo) ListByEvent(ctx context.Context, eventID string, limit int) ([]domain.ScanLedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.ScanLedgerEntry
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].EventID != eventID {
			continue
		}
		out = append(out, r.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}

	return out, nil
}
