package inventory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kirinyoku/turnstile/internal/domain"
	"github.com/kirinyoku/turnstile/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	mu          sync.Mutex
	stored      map[string][]domain.InventoryCounter
	loads       int
	invalidated []string
}

func (c *fakeCache) Availability(
	ctx context.Context,
	eventID string,
	loader func(ctx context.Context) ([]domain.InventoryCounter, error),
) ([]domain.InventoryCounter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.stored[eventID]; ok {
		return v, nil
	}
	v, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	c.loads++
	if c.stored == nil {
		c.stored = make(map[string][]domain.InventoryCounter)
	}
	c.stored[eventID] = v
	return v, nil
}

func (c *fakeCache) InvalidateEvent(ctx context.Context, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.stored, eventID)
	c.invalidated = append(c.invalidated, eventID)
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeCache) {
	t.Helper()

	cache := &fakeCache{}
	return New(memory.NewStore(), cache, nil), cache
}

func TestTryHold_CapacityBoundary(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	_, err := s.Configure(ctx, "neon", "GA", 3)
	require.NoError(t, err)

	res, err := s.TryHold(ctx, "neon", "GA", 2)
	require.NoError(t, err)
	assert.True(t, res.OK)

	res, err = s.TryHold(ctx, "neon", "GA", 2)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, domain.HoldCapacityExceeded, res.Reason)

	res, err = s.TryHold(ctx, "neon", "GA", 1)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestTryHold_UnknownTier(t *testing.T) {
	s, _ := newTestService(t)

	res, err := s.TryHold(context.Background(), "neon", "VIP", 1)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, domain.HoldTierNotFound, res.Reason)
	assert.Equal(t, "VIP", res.TierID)
}

func TestTryHold_RejectsNonPositiveQty(t *testing.T) {
	s, _ := newTestService(t)

	_, err := s.TryHold(context.Background(), "neon", "GA", 0)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestTryHold_RaceForLastUnits(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	const capacity = 10
	_, err := s.Configure(ctx, "neon", "GA", capacity)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		granted atomic.Int64
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.TryHold(ctx, "neon", "GA", 1)
			if err == nil && res.OK {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(capacity), granted.Load())

	counters, err := s.Availability(ctx, "neon")
	require.NoError(t, err)
	require.Len(t, counters, 1)
	assert.Equal(t, int64(capacity), counters[0].Held)
	assert.Equal(t, int64(0), counters[0].Available())
}

func TestRelease_NeverBelowZero(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	_, err := s.Configure(ctx, "neon", "GA", 5)
	require.NoError(t, err)
	_, err = s.TryHold(ctx, "neon", "GA", 2)
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, "neon", "GA", 5))

	counters, err := s.Availability(ctx, "neon")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counters[0].Held)
}

func TestHoldAll_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	_, err := s.Configure(ctx, "neon", "GA", 5)
	require.NoError(t, err)
	_, err = s.Configure(ctx, "neon", "VIP", 1)
	require.NoError(t, err)

	res, err := s.HoldAll(ctx, "neon", []domain.TierItem{
		{TierID: "GA", Qty: 2},
		{TierID: "VIP", Qty: 2},
	})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "VIP", res.TierID)

	counters, err := s.Availability(ctx, "neon")
	require.NoError(t, err)
	for _, c := range counters {
		assert.Zero(t, c.Held, "tier %s", c.TierID)
	}
}

func TestHoldAll_MergesDuplicateTiers(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	_, err := s.Configure(ctx, "neon", "GA", 3)
	require.NoError(t, err)

	res, err := s.HoldAll(ctx, "neon", []domain.TierItem{
		{TierID: "GA", Qty: 2},
		{TierID: "GA", Qty: 2},
	})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, domain.HoldCapacityExceeded, res.Reason)
}

func TestCommitAll_MovesHeldToSold(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	_, err := s.Configure(ctx, "neon", "GA", 4)
	require.NoError(t, err)
	items := []domain.TierItem{{TierID: "GA", Qty: 3}}

	res, err := s.HoldAll(ctx, "neon", items)
	require.NoError(t, err)
	require.True(t, res.OK)

	require.NoError(t, s.CommitAll(ctx, "neon", items))

	counters, err := s.Availability(ctx, "neon")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counters[0].Held)
	assert.Equal(t, int64(3), counters[0].Sold)
	assert.Equal(t, int64(1), counters[0].Available())
}

func TestConfigure_RejectsCapacityBelowUse(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	_, err := s.Configure(ctx, "neon", "GA", 4)
	require.NoError(t, err)
	_, err = s.TryHold(ctx, "neon", "GA", 3)
	require.NoError(t, err)

	_, err = s.Configure(ctx, "neon", "GA", 2)
	require.ErrorIs(t, err, ErrCapacityBelowUse)

	_, err = s.Configure(ctx, "neon", "GA", -1)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestAvailability_InvalidatedOnWrite(t *testing.T) {
	ctx := context.Background()
	s, cache := newTestService(t)

	_, err := s.Configure(ctx, "neon", "GA", 4)
	require.NoError(t, err)

	first, err := s.Availability(ctx, "neon")
	require.NoError(t, err)
	assert.Equal(t, int64(4), first[0].Available())

	_, err = s.TryHold(ctx, "neon", "GA", 1)
	require.NoError(t, err)

	second, err := s.Availability(ctx, "neon")
	require.NoError(t, err)
	assert.Equal(t, int64(3), second[0].Available())
	assert.Equal(t, 2, cache.loads)
	assert.Contains(t, cache.invalidated, "neon")
}

func TestMerge(t *testing.T) {
	out, err := Merge([]domain.TierItem{
		{TierID: "VIP", Qty: 1},
		{TierID: "GA", Qty: 2},
		{TierID: "VIP", Qty: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.TierItem{{TierID: "GA", Qty: 2}, {TierID: "VIP", Qty: 2}}, out)

	_, err = Merge(nil)
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, err = Merge([]domain.TierItem{{TierID: "GA", Qty: 0}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
