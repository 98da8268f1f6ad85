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

type reservationSlot struct {
	mu sync.Mutex
	r  domain.Reservation
}

type ReservationRepo struct {
	mu   sync.RWMutex
	rows map[string]*reservationSlot
}

func cloneReservation(r domain.Reservation) domain.Reservation {
	r.Items = append([]domain.TierItem(nil), r.Items...)
	if r.QueueEntryID != nil {
		id := *r.QueueEntryID
		r.QueueEntryID = &id
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		r.ResolvedAt = &t
	}
	return r
}

func (r *ReservationRepo) slot(id uuid.UUID) (*reservationSlot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.rows[id.String()]
	return s, ok
}

func (r *ReservationRepo) Create(ctx context.Context, res *domain.Reservation) error {
	const op = "memory.ReservationRepo.Create"

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rows[res.ID.String()]; ok {
		return fmt.Errorf("%s: %w", op, repository.ErrConflict)
	}

	r.rows[res.ID.String()] = &reservationSlot{r: cloneReservation(*res)}

	return nil
}

func (r *ReservationRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	const op = "memory.ReservationRepo.Get"

	s, ok := r.slot(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	s.mu.Lock()
	out := cloneReservation(s.r)
	s.mu.Unlock()

	return &out, nil
}

func (r *ReservationRepo) Confirm(ctx context.Context, id uuid.UUID, now time.Time) (*domain.Reservation, error) {
	const op = "memory.ReservationRepo.Confirm"

	s, ok := r.slot(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.r.Status != domain.ReservationActive {
		if s.r.Status == domain.ReservationExpired {
			return nil, fmt.Errorf("%s: %w", op, repository.ErrReservationExpired)
		}
		return nil, fmt.Errorf("%s: %w", op, repository.ErrAlreadyResolved)
	}

	if s.r.IsExpired(now) {
		return nil, fmt.Errorf("%s: %w", op, repository.ErrReservationExpired)
	}

	s.r.Status = domain.ReservationConfirmed
	s.r.ResolvedAt = &now

	out := cloneReservation(s.r)
	return &out, nil
}

func (r *ReservationRepo) Release(
	ctx context.Context,
	id uuid.UUID,
	status domain.ReservationStatus,
	now time.Time,
) (*domain.Reservation, bool, error) {
	const op = "memory.ReservationRepo.Release"

	s, ok := r.slot(id)
	if !ok {
		return nil, false, fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.r.Status != domain.ReservationActive || s.r.Released {
		out := cloneReservation(s.r)
		return &out, false, nil
	}

	if status == domain.ReservationReleased && s.r.IsExpired(now) {
		status = domain.ReservationExpired
	}

	s.r.Status = status
	s.r.Released = true
	s.r.ResolvedAt = &now

	out := cloneReservation(s.r)
	return &out, true, nil
}

func (r *ReservationRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	r.mu.RLock()
	slots := make([]*reservationSlot, 0, len(r.rows))
	for _, s := range r.rows {
		slots = append(slots, s)
	}
	r.mu.RUnlock()

	var out []domain.Reservation
	for _, s := range slots {
		s.mu.Lock()
		if s.r.Status == domain.ReservationActive && s.r.IsExpired(now) {
			out = append(out, cloneReservation(s.r))
		}
		s.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}
