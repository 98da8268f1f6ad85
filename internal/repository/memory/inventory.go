package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kirinyoku/turnstile/internal/domain"
	"github.com/kirinyoku/turnstile/internal/repository"
)

type counterSlot struct {
	eventID string
	mu      sync.Mutex
	c       domain.InventoryCounter
}

type InventoryRepo struct {
	mu       sync.RWMutex
	counters map[string]*counterSlot
}

func counterKey(eventID, tierID string) string {
	return eventID + "\x00" + tierID
}

func (r *InventoryRepo) slot(eventID, tierID string) (*counterSlot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.counters[counterKey(eventID, tierID)]
	return s, ok
}

func (r *InventoryRepo) Upsert(
	ctx context.Context,
	eventID, tierID string,
	capacity int64,
) (*domain.InventoryCounter, error) {
	const op = "memory.InventoryRepo.Upsert"

	r.mu.Lock()
	s, ok := r.counters[counterKey(eventID, tierID)]
	if !ok {
		s = &counterSlot{eventID: eventID, c: domain.InventoryCounter{EventID: eventID, TierID: tierID}}
		r.counters[counterKey(eventID, tierID)] = s
	}
	r.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if capacity < s.c.Held+s.c.Sold {
		return nil, fmt.Errorf("%s: %w", op, repository.ErrCapacityBelowUse)
	}

	s.c.Capacity = capacity
	s.c.UpdatedAt = time.Now().UTC()

	out := s.c
	return &out, nil
}

func (r *InventoryRepo) Get(ctx context.Context, eventID, tierID string) (*domain.InventoryCounter, error) {
	const op = "memory.InventoryRepo.Get"

	s, ok := r.slot(eventID, tierID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	s.mu.Lock()
	out := s.c
	s.mu.Unlock()

	return &out, nil
}

func (r *InventoryRepo) ListByEvent(ctx context.Context, eventID string) ([]domain.InventoryCounter, error) {
	r.mu.RLock()
	slots := make([]*counterSlot, 0)
	for _, s := range r.counters {
		if s.eventID == eventID {
			slots = append(slots, s)
		}
	}
	r.mu.RUnlock()

	out := make([]domain.InventoryCounter, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		out = append(out, s.c)
		s.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TierID < out[j].TierID })

	return out, nil
}

func (r *InventoryRepo) TryHold(
	ctx context.Context,
	eventID, tierID string,
	qty int64,
) (*domain.InventoryCounter, error) {
	return r.mutate(ctx, "memory.InventoryRepo.TryHold", eventID, tierID, func(c *domain.InventoryCounter) error {
		if c.Available() < qty {
			return repository.ErrCapacityExceeded
		}
		c.Held += qty
		return nil
	})
}

func (r *InventoryRepo) Release(
	ctx context.Context,
	eventID, tierID string,
	qty int64,
) (*domain.InventoryCounter, error) {
	return r.mutate(ctx, "memory.InventoryRepo.Release", eventID, tierID, func(c *domain.InventoryCounter) error {
		c.Held -= qty
		if c.Held < 0 {
			c.Held = 0
		}
		return nil
	})
}

func (r *InventoryRepo) Commit(
	ctx context.Context,
	eventID, tierID string,
	qty int64,
) (*domain.InventoryCounter, error) {
	return r.mutate(ctx, "memory.InventoryRepo.Commit", eventID, tierID, func(c *domain.InventoryCounter) error {
		moved := min(qty, c.Held)
		c.Held -= moved
		c.Sold += moved
		return nil
	})
}

func (r *InventoryRepo) mutate(
	ctx context.Context,
	op, eventID, tierID string,
	fn func(c *domain.InventoryCounter) error,
) (*domain.InventoryCounter, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s, ok := r.slot(eventID, tierID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.c
	if err := fn(&next); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	next.UpdatedAt = time.Now().UTC()
	s.c = next

	out := s.c
	return &out, nil
}
