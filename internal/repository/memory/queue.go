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

type QueueRepo struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*domain.QueueEntry
	byEvent map[string][]*domain.QueueEntry
	cursors map[string]int64
	events  keyLocks
}

func newQueueRepo() *QueueRepo {
	return &QueueRepo{
		entries: make(map[uuid.UUID]*domain.QueueEntry),
		byEvent: make(map[string][]*domain.QueueEntry),
		cursors: make(map[string]int64),
	}
}

func cloneQueueEntry(e *domain.QueueEntry) domain.QueueEntry {
	c := *e
	c.CalledAt = cloneTime(e.CalledAt)
	c.AdmitDeadline = cloneTime(e.AdmitDeadline)
	c.ConvertedAt = cloneTime(e.ConvertedAt)
	c.ReservationID = cloneUUID(e.ReservationID)
	return c
}

func (r *QueueRepo) Join(
	ctx context.Context,
	e *domain.QueueEntry,
	now func() time.Time,
) (*domain.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := r.events.lock(e.EventID)
	defer unlock()

	entry := cloneQueueEntry(e)
	entry.JoinedAt = now()
	if entry.State == domain.QueueCalled {
		at := entry.JoinedAt
		entry.CalledAt = &at
	}

	r.mu.Lock()
	r.cursors[e.EventID]++
	entry.Position = r.cursors[e.EventID]
	r.entries[entry.ID] = &entry
	r.byEvent[e.EventID] = append(r.byEvent[e.EventID], &entry)
	r.mu.Unlock()

	out := cloneQueueEntry(&entry)
	return &out, nil
}

func (r *QueueRepo) lookup(id uuid.UUID) (*domain.QueueEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	return e, ok
}

func (r *QueueRepo) eventEntries(eventID string) []*domain.QueueEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]*domain.QueueEntry(nil), r.byEvent[eventID]...)
}

func (r *QueueRepo) Get(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error) {
	const op = "memory.QueueRepo.Get"

	e, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	unlock := r.events.lock(e.EventID)
	defer unlock()

	out := cloneQueueEntry(e)
	return &out, nil
}

func (r *QueueRepo) FindOpen(ctx context.Context, eventID, userID string) (*domain.QueueEntry, error) {
	const op = "memory.QueueRepo.FindOpen"

	unlock := r.events.lock(eventID)
	defer unlock()

	for _, e := range r.eventEntries(eventID) {
		if e.UserID == userID && (e.State == domain.QueueWaiting || e.State == domain.QueueCalled) {
			out := cloneQueueEntry(e)
			return &out, nil
		}
	}

	return nil, fmt.Errorf("%s: %w", op, repository.ErrNotFound)
}

func (r *QueueRepo) CallNext(
	ctx context.Context,
	eventID string,
	n int,
	now, deadline time.Time,
) ([]domain.QueueEntry, error) {
	unlock := r.events.lock(eventID)
	defer unlock()

	var out []domain.QueueEntry
	for _, e := range r.eventEntries(eventID) {
		if len(out) >= n {
			break
		}
		if e.State != domain.QueueWaiting {
			continue
		}
		calledAt, dl := now, deadline
		e.State = domain.QueueCalled
		e.CalledAt = &calledAt
		e.AdmitDeadline = &dl
		out = append(out, cloneQueueEntry(e))
	}

	return out, nil
}

func (r *QueueRepo) ExpireCalled(ctx context.Context, eventID string, now time.Time) ([]domain.QueueEntry, error) {
	unlock := r.events.lock(eventID)
	defer unlock()

	var out []domain.QueueEntry
	for _, e := range r.eventEntries(eventID) {
		if e.State == domain.QueueCalled && e.AdmitDeadline != nil && !now.Before(*e.AdmitDeadline) {
			e.State = domain.QueueExpired
			out = append(out, cloneQueueEntry(e))
		}
	}

	return out, nil
}

func (r *QueueRepo) Convert(
	ctx context.Context,
	id uuid.UUID,
	reservationID uuid.UUID,
	now time.Time,
) (*domain.QueueEntry, error) {
	const op = "memory.QueueRepo.Convert"

	e, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	unlock := r.events.lock(e.EventID)
	defer unlock()

	switch e.State {
	case domain.QueueWaiting:
		return nil, fmt.Errorf("%s: %w", op, repository.ErrQueueNotCalled)
	case domain.QueueExpired:
		return nil, fmt.Errorf("%s: %w", op, repository.ErrQueueExpired)
	case domain.QueueConverted:
		return nil, fmt.Errorf("%s: %w", op, repository.ErrConflict)
	}

	if !e.AdmissionOpen(now) {
		e.State = domain.QueueExpired
		return nil, fmt.Errorf("%s: %w", op, repository.ErrQueueExpired)
	}

	rid := reservationID
	e.State = domain.QueueConverted
	e.ConvertedAt = &now
	e.ReservationID = &rid

	out := cloneQueueEntry(e)
	return &out, nil
}

func (r *QueueRepo) CountAhead(ctx context.Context, eventID string, position int64) (int64, error) {
	unlock := r.events.lock(eventID)
	defer unlock()

	var n int64
	for _, e := range r.eventEntries(eventID) {
		if e.Position >= position {
			break
		}
		if e.State == domain.QueueWaiting {
			n++
		}
	}

	return n, nil
}

func (r *QueueRepo) Stats(ctx context.Context, eventID string) (domain.QueueStats, error) {
	unlock := r.events.lock(eventID)
	defer unlock()

	st := domain.QueueStats{EventID: eventID}
	for _, e := range r.eventEntries(eventID) {
		switch e.State {
		case domain.QueueWaiting:
			st.Waiting++
		case domain.QueueCalled:
			st.Called++
		}
	}

	return st, nil
}

func (r *QueueRepo) ActiveEvents(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byEvent))
	for id := range r.byEvent {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var out []string
	for _, id := range ids {
		st, err := r.Stats(ctx, id)
		if err != nil {
			return nil, err
		}
		if st.Waiting > 0 || st.Called > 0 {
			out = append(out, id)
		}
	}

	sort.Strings(out)

	return out, nil
}
