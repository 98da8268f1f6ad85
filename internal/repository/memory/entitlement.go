package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/turnstile/internal/domain"
	"github.com/kirinyoku/turnstile/internal/repository"
)

type entitlementSlot struct {
	mu sync.Mutex
	e  domain.Entitlement
}

type EntitlementRepo struct {
	mu      sync.RWMutex
	rows    map[string]*entitlementSlot
	byOrder map[string][]uuid.UUID
	orders  keyLocks
	couples keyLocks
	ledger  *ScanLedgerRepo
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}

func cloneEntitlement(e domain.Entitlement) domain.Entitlement {
	e.ReservationID = cloneUUID(e.ReservationID)
	e.ActivatedAt = cloneTime(e.ActivatedAt)
	e.ConsumedAt = cloneTime(e.ConsumedAt)
	e.RevokedAt = cloneTime(e.RevokedAt)
	e.ValidUntil = cloneTime(e.ValidUntil)
	e.Metadata.CouplePartnerID = cloneUUID(e.Metadata.CouplePartnerID)
	e.Metadata.TransferHistory = append([]domain.TransferRecord(nil), e.Metadata.TransferHistory...)
	return e
}

func (r *EntitlementRepo) slot(id uuid.UUID) (*entitlementSlot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.rows[id.String()]
	return s, ok
}

func (r *EntitlementRepo) IssueBatch(
	ctx context.Context,
	orderID string,
	ents []domain.Entitlement,
) ([]domain.Entitlement, bool, error) {
	unlock := r.orders.lock(orderID)
	defer unlock()

	existing, err := r.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	if len(existing) > 0 {
		return existing, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byOrder == nil {
		r.byOrder = make(map[string][]uuid.UUID)
	}

	out := make([]domain.Entitlement, 0, len(ents))
	for _, e := range ents {
		r.rows[e.ID.String()] = &entitlementSlot{e: cloneEntitlement(e)}
		r.byOrder[orderID] = append(r.byOrder[orderID], e.ID)
		out = append(out, cloneEntitlement(e))
	}

	return out, true, nil
}

func (r *EntitlementRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Entitlement, error) {
	const op = "memory.EntitlementRepo.Get"

	s, ok := r.slot(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	s.mu.Lock()
	out := cloneEntitlement(s.e)
	s.mu.Unlock()

	return &out, nil
}

func (r *EntitlementRepo) ListByOrder(ctx context.Context, orderID string) ([]domain.Entitlement, error) {
	r.mu.RLock()
	ids := append([]uuid.UUID(nil), r.byOrder[orderID]...)
	r.mu.RUnlock()

	out := make([]domain.Entitlement, 0, len(ids))
	for _, id := range ids {
		e, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UnitIndex < out[j].UnitIndex })

	return out, nil
}

func (r *EntitlementRepo) Update(
	ctx context.Context,
	id uuid.UUID,
	fn repository.EntitlementMutator,
) (*domain.Entitlement, error) {
	const op = "memory.EntitlementRepo.Update"

	s, ok := r.slot(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := cloneEntitlement(s.e)
	if err := fn(&next); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.e = next

	out := cloneEntitlement(s.e)
	return &out, nil
}

func (r *EntitlementRepo) Scan(
	ctx context.Context,
	id uuid.UUID,
	decide repository.ScanDecider,
) (*domain.Entitlement, *domain.ScanLedgerEntry, error) {
	const op = "memory.EntitlementRepo.Scan"

	s, ok := r.slot(id)
	if !ok {
		return nil, nil, fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := cloneEntitlement(s.e)
	entry := decide(&next)

	if err := r.ledger.Append(ctx, &entry); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	if entry.Result == domain.ScanGranted || next.State != s.e.State {
		s.e = next
	}

	out := cloneEntitlement(s.e)
	return &out, &entry, nil
}

func (r *EntitlementRepo) Link(
	ctx context.Context,
	a, b uuid.UUID,
) (*domain.Entitlement, *domain.Entitlement, error) {
	const op = "memory.EntitlementRepo.Link"

	if a == b {
		return nil, nil, fmt.Errorf("%s: %w", op, repository.ErrConflict)
	}

	sa, ok := r.slot(a)
	if !ok {
		return nil, nil, fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}
	sb, ok := r.slot(b)
	if !ok {
		return nil, nil, fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	// Lock in id order so concurrent links of the same pair cannot deadlock.
	first, second := sa, sb
	if b.String() < a.String() {
		first, second = sb, sa
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if !domain.CanPair(&sa.e, &sb.e) {
		return nil, nil, fmt.Errorf("%s: %w", op, repository.ErrConflict)
	}

	sa.e.Metadata.CouplePartnerID = &b
	sb.e.Metadata.CouplePartnerID = &a

	outA, outB := cloneEntitlement(sa.e), cloneEntitlement(sb.e)
	return &outA, &outB, nil
}

func (r *EntitlementRepo) Rendezvous(
	ctx context.Context,
	id uuid.UUID,
) (*domain.Entitlement, *domain.Entitlement, error) {
	const op = "memory.EntitlementRepo.Rendezvous"

	self, err := r.Get(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	if self.TicketType != domain.TicketCouple || self.CoupleKey == "" {
		return nil, nil, fmt.Errorf("%s: %w", op, repository.ErrConflict)
	}

	unlock := r.couples.lock(self.EventID + "\x00" + self.CoupleKey)
	defer unlock()

	self, err = r.Get(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	if pid := self.Metadata.CouplePartnerID; pid != nil {
		partner, err := r.Get(ctx, *pid)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", op, err)
		}
		return self, partner, nil
	}

	var candidates []domain.Entitlement
	for _, s := range r.snapshot() {
		s.mu.Lock()
		e := s.e
		if e.ID != self.ID &&
			e.EventID == self.EventID &&
			e.CoupleKey == self.CoupleKey &&
			e.TicketType == domain.TicketCouple &&
			e.Metadata.CouplePartnerID == nil &&
			!e.State.Terminal() {
			candidates = append(candidates, cloneEntitlement(e))
		}
		s.mu.Unlock()
	}

	if len(candidates) == 0 {
		return self, nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].IssuedAt.Equal(candidates[j].IssuedAt) {
			return candidates[i].UnitIndex < candidates[j].UnitIndex
		}
		return candidates[i].IssuedAt.Before(candidates[j].IssuedAt)
	})

	a, b, err := r.Link(ctx, self.ID, candidates[0].ID)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	return a, b, nil
}

func (r *EntitlementRepo) ListExpirable(ctx context.Context, now time.Time, limit int) ([]domain.Entitlement, error) {
	var out []domain.Entitlement
	for _, s := range r.snapshot() {
		s.mu.Lock()
		e := s.e
		if (e.State == domain.EntitlementIssued || e.State == domain.EntitlementActive) &&
			e.ValidUntil != nil && !now.Before(*e.ValidUntil) {
			out = append(out, cloneEntitlement(e))
		}
		s.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ValidUntil.Before(*out[j].ValidUntil) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (r *EntitlementRepo) snapshot() []*entitlementSlot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*entitlementSlot, 0, len(r.rows))
	for _, s := range r.rows {
		out = append(out, s)
	}
	return out
}
