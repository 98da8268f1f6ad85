// Package inventory is the ledger of per-tier capacity. Every hold, release
// and commit of ticket units funnels through it.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/kirinyoku/turnstile/internal/domain"
	"github.com/kirinyoku/turnstile/internal/metrics"
	"github.com/kirinyoku/turnstile/internal/repository"
)

// AvailabilityCache is a read-through cache of an event's counters.
type AvailabilityCache interface {
	Availability(
		ctx context.Context,
		eventID string,
		loader func(ctx context.Context) ([]domain.InventoryCounter, error),
	) ([]domain.InventoryCounter, error)
	InvalidateEvent(ctx context.Context, eventID string) error
}

type Service struct {
	repo  repository.InventoryRepo
	cache AvailabilityCache
	log   *slog.Logger
}

// New returns an inventory service. cache may be nil.
func New(store repository.Store, cache AvailabilityCache, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}

	return &Service{
		repo:  store.Inventory(),
		cache: cache,
		log:   log,
	}
}

// Configure sets the capacity of a tier, creating it if needed.
//
// Returns:
//   - error: inventory.ErrInvalidInput for empty ids or negative capacity.
//   - error: inventory.ErrCapacityBelowUse if capacity < held+sold.
func (s *Service) Configure(
	ctx context.Context,
	eventID, tierID string,
	capacity int64,
) (*domain.InventoryCounter, error) {
	const op = "service.inventory.Configure"

	if eventID == "" || tierID == "" || capacity < 0 {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidInput)
	}

	c, err := s.repo.Upsert(ctx, eventID, tierID, capacity)
	if err != nil {
		if errors.Is(err, repository.ErrCapacityBelowUse) {
			return nil, fmt.Errorf("%s: %w", op, ErrCapacityBelowUse)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.invalidate(ctx, eventID)

	return c, nil
}

// TryHold holds qty units of a tier. A refusal is reported in the result,
// not as an error.
func (s *Service) TryHold(
	ctx context.Context,
	eventID, tierID string,
	qty int64,
) (domain.HoldResult, error) {
	const op = "service.inventory.TryHold"

	if qty <= 0 {
		return domain.HoldResult{}, fmt.Errorf("%s: %w", op, ErrInvalidInput)
	}

	_, err := s.repo.TryHold(ctx, eventID, tierID, qty)
	switch {
	case err == nil:
		metrics.HoldsTotal.WithLabelValues("ok").Inc()
		s.invalidate(ctx, eventID)
		return domain.HoldResult{OK: true}, nil
	case errors.Is(err, repository.ErrCapacityExceeded):
		metrics.HoldsTotal.WithLabelValues("capacity_exceeded").Inc()
		return domain.HoldResult{Reason: domain.HoldCapacityExceeded, TierID: tierID}, nil
	case errors.Is(err, repository.ErrNotFound):
		metrics.HoldsTotal.WithLabelValues("tier_not_found").Inc()
		return domain.HoldResult{Reason: domain.HoldTierNotFound, TierID: tierID}, nil
	default:
		return domain.HoldResult{}, fmt.Errorf("%s: %w", op, err)
	}
}

// Release returns qty held units of a tier. held never drops below zero.
func (s *Service) Release(ctx context.Context, eventID, tierID string, qty int64) error {
	const op = "service.inventory.Release"

	if qty <= 0 {
		return fmt.Errorf("%s: %w", op, ErrInvalidInput)
	}

	if _, err := s.repo.Release(ctx, eventID, tierID, qty); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%s: %w", op, ErrTierNotFound)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	metrics.ReleasedUnits.Add(float64(qty))
	s.invalidate(ctx, eventID)

	return nil
}

// HoldAll holds every item or none. On a refusal or error, items already
// held by this call are released before returning.
func (s *Service) HoldAll(
	ctx context.Context,
	eventID string,
	items []domain.TierItem,
) (domain.HoldResult, error) {
	const op = "service.inventory.HoldAll"

	merged, err := Merge(items)
	if err != nil {
		return domain.HoldResult{}, fmt.Errorf("%s: %w", op, err)
	}

	var held []domain.TierItem
	for _, it := range merged {
		res, err := s.TryHold(ctx, eventID, it.TierID, it.Qty)
		if err != nil || !res.OK {
			if rerr := s.ReleaseAll(context.WithoutCancel(ctx), eventID, held); rerr != nil {
				s.log.Error("rollback of partial hold failed",
					slog.String("event_id", eventID),
					slog.Any("err", rerr),
				)
			}
			if err != nil {
				return domain.HoldResult{}, fmt.Errorf("%s: %w", op, err)
			}
			return res, nil
		}
		held = append(held, it)
	}

	return domain.HoldResult{OK: true}, nil
}

// ReleaseAll releases every item, continuing past failures.
func (s *Service) ReleaseAll(ctx context.Context, eventID string, items []domain.TierItem) error {
	var errs []error
	for _, it := range items {
		if err := s.Release(ctx, eventID, it.TierID, it.Qty); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CommitAll moves every item from held to sold.
func (s *Service) CommitAll(ctx context.Context, eventID string, items []domain.TierItem) error {
	const op = "service.inventory.CommitAll"

	for _, it := range items {
		if _, err := s.repo.Commit(ctx, eventID, it.TierID, it.Qty); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	s.invalidate(ctx, eventID)

	return nil
}

// Availability returns the counters of an event, through the cache when
// one is configured.
func (s *Service) Availability(ctx context.Context, eventID string) ([]domain.InventoryCounter, error) {
	const op = "service.inventory.Availability"

	load := func(ctx context.Context) ([]domain.InventoryCounter, error) {
		return s.repo.ListByEvent(ctx, eventID)
	}

	var (
		out []domain.InventoryCounter
		err error
	)
	if s.cache != nil {
		out, err = s.cache.Availability(ctx, eventID, load)
	} else {
		out, err = load(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

func (s *Service) invalidate(ctx context.Context, eventID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateEvent(ctx, eventID); err != nil {
		s.log.Warn("availability cache invalidation failed",
			slog.String("event_id", eventID),
			slog.Any("err", err),
		)
	}
}

// Merge folds items into one entry per tier, sorted by tier id, so that
// multi-tier holds always lock tiers in the same order.
func Merge(items []domain.TierItem) ([]domain.TierItem, error) {
	if len(items) == 0 {
		return nil, ErrInvalidInput
	}

	byTier := make(map[string]int64, len(items))
	for _, it := range items {
		if it.TierID == "" || it.Qty <= 0 {
			return nil, ErrInvalidInput
		}
		byTier[it.TierID] += it.Qty
	}

	out := make([]domain.TierItem, 0, len(byTier))
	for tier, qty := range byTier {
		out = append(out, domain.TierItem{TierID: tier, Qty: qty})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TierID < out[j].TierID })

	return out, nil
}
