package admission

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/turnstile/internal/clock"
	"github.com/kirinyoku/turnstile/internal/domain"
	"github.com/kirinyoku/turnstile/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 6, 12, 18, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, cfg Config) (*Service, *clock.Fake) {
	t.Helper()

	clk := clock.NewFake(t0)
	return New(memory.NewStore(), nil, clk, nil, cfg), clk
}

// surgeConfig enters surge on the second join inside the window.
func surgeConfig() Config {
	return Config{
		SurgeEnterThreshold: 1,
		SurgeExitThreshold:  0,
		SurgeWindow:         10 * time.Second,
		AdmitBatch:          2,
		AdmitWindow:         time.Minute,
		TickInterval:        time.Second,
	}
}

func TestJoin_NormalIsPassThrough(t *testing.T) {
	s, _ := newTestService(t, Config{SurgeEnterThreshold: 100})

	e, err := s.Join(context.Background(), "neon", "u1", "d1")
	require.NoError(t, err)

	assert.Equal(t, domain.QueueCalled, e.State)
	require.NotNil(t, e.AdmitDeadline)
	assert.Equal(t, t0.Add(2*time.Minute), *e.AdmitDeadline)

	admitted, err := s.Admit(context.Background(), "neon", "u1", &e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, admitted.ID)
}

func TestJoin_SurgePlacesInQueue(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t, surgeConfig())

	first, err := s.Join(ctx, "neon", "u1", "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.QueueCalled, first.State)

	second, err := s.Join(ctx, "neon", "u2", "d2")
	require.NoError(t, err)
	assert.Equal(t, domain.QueueWaiting, second.State)
	assert.Greater(t, second.Position, first.Position)

	info, err := s.Surge(ctx, "neon")
	require.NoError(t, err)
	assert.Equal(t, domain.SurgeActive, info.State)
	assert.Equal(t, int64(1), info.Waiting)
}

func TestJoin_ReturnsOpenEntry(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t, surgeConfig())

	_, err := s.Join(ctx, "neon", "u0", "d0")
	require.NoError(t, err)

	a, err := s.Join(ctx, "neon", "u1", "d1")
	require.NoError(t, err)
	b, err := s.Join(ctx, "neon", "u1", "d1")
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, a.Position, b.Position)
}

func TestJoin_Validation(t *testing.T) {
	s, _ := newTestService(t, Config{})

	_, err := s.Join(context.Background(), "", "u1", "d1")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestFairness_ConcurrentJoinsCalledInOrder(t *testing.T) {
	ctx := context.Background()
	cfg := surgeConfig()
	cfg.AdmitBatch = 5
	s, _ := newTestService(t, cfg)

	_, err := s.Join(ctx, "neon", "warmup", "d")
	require.NoError(t, err)

	const n = 40
	var wg sync.WaitGroup
	entries := make([]*domain.QueueEntry, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := s.Join(ctx, "neon", fmt.Sprintf("u%d", i), "d")
			if err == nil {
				entries[i] = e
			}
		}(i)
	}
	wg.Wait()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Position < entries[j].Position })
	for i := 1; i < n; i++ {
		require.NotNil(t, entries[i])
		assert.Greater(t, entries[i].Position, entries[i-1].Position)
		assert.False(t, entries[i].JoinedAt.Before(entries[i-1].JoinedAt))
	}

	require.NoError(t, s.Tick(ctx))

	for i, e := range entries {
		got, err := s.repo.Get(ctx, e.ID)
		require.NoError(t, err)
		if i < cfg.AdmitBatch {
			assert.Equal(t, domain.QueueCalled, got.State, "position %d", got.Position)
		} else {
			assert.Equal(t, domain.QueueWaiting, got.State, "position %d", got.Position)
		}
	}
}

func TestStatus_PositionAndEstimate(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t, surgeConfig())

	_, err := s.Join(ctx, "neon", "u0", "d")
	require.NoError(t, err)

	var last *domain.QueueEntry
	for i := 1; i <= 5; i++ {
		last, err = s.Join(ctx, "neon", fmt.Sprintf("u%d", i), "d")
		require.NoError(t, err)
	}

	st, err := s.Status(ctx, last.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.Position)
	assert.Equal(t, domain.QueueWaiting, st.State)
	assert.Equal(t, int64(3), st.EstimatedWaitSeconds)

	again, err := s.Status(ctx, last.ID)
	require.NoError(t, err)
	assert.Equal(t, st, again)

	require.NoError(t, s.Tick(ctx))

	st, err = s.Status(ctx, last.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Position)
}

func TestStatus_NotFound(t *testing.T) {
	s, _ := newTestService(t, Config{})

	_, err := s.Status(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrQueueEntryNotFound)
}

func TestTick_RespectsMaxCalled(t *testing.T) {
	ctx := context.Background()
	cfg := surgeConfig()
	cfg.AdmitBatch = 10
	cfg.MaxCalled = 3
	s, _ := newTestService(t, cfg)

	// The first joiner is admitted directly and counts against MaxCalled.
	for i := 0; i < 6; i++ {
		_, err := s.Join(ctx, "neon", fmt.Sprintf("u%d", i), "d")
		require.NoError(t, err)
	}

	require.NoError(t, s.Tick(ctx))

	stats, err := s.repo.Stats(ctx, "neon")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Called)
	assert.Equal(t, int64(3), stats.Waiting)
}

func TestTick_ExpiresMissedWindowsAndNeverReadmits(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestService(t, surgeConfig())

	_, err := s.Join(ctx, "neon", "u0", "d")
	require.NoError(t, err)
	e, err := s.Join(ctx, "neon", "u1", "d")
	require.NoError(t, err)

	require.NoError(t, s.Tick(ctx))

	got, err := s.repo.Get(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, domain.QueueCalled, got.State)

	clk.Advance(time.Minute)
	require.NoError(t, s.Tick(ctx))

	got, err = s.repo.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueExpired, got.State)

	_, err = s.Admit(ctx, "neon", "u1", &e.ID)
	require.ErrorIs(t, err, ErrQueueEntryExpired)

	require.NoError(t, s.Tick(ctx))
	got, err = s.repo.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueExpired, got.State)
}

func TestConvert_FailsClosedAfterDeadline(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestService(t, Config{SurgeEnterThreshold: 100, AdmitWindow: time.Minute})

	e, err := s.Join(ctx, "neon", "u1", "d")
	require.NoError(t, err)

	clk.Advance(time.Minute)

	_, err = s.Convert(ctx, e.ID, uuid.New())
	require.ErrorIs(t, err, ErrQueueEntryExpired)
}

func TestConvert_Once(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t, Config{SurgeEnterThreshold: 100})

	e, err := s.Join(ctx, "neon", "u1", "d")
	require.NoError(t, err)

	_, err = s.Convert(ctx, e.ID, uuid.New())
	require.NoError(t, err)

	_, err = s.Convert(ctx, e.ID, uuid.New())
	require.ErrorIs(t, err, ErrQueueEntryUsed)

	_, err = s.Admit(ctx, "neon", "u1", &e.ID)
	require.ErrorIs(t, err, ErrQueueEntryUsed)
}

func TestAdmit_Gate(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t, surgeConfig())

	_, err := s.Admit(ctx, "neon", "u1", nil)
	require.NoError(t, err, "normal state passes through")

	_, err = s.Join(ctx, "neon", "u0", "d")
	require.NoError(t, err)
	waiting, err := s.Join(ctx, "neon", "u1", "d")
	require.NoError(t, err)

	_, err = s.Admit(ctx, "neon", "u9", nil)
	require.ErrorIs(t, err, ErrQueueRequired)

	_, err = s.Admit(ctx, "neon", "u1", &waiting.ID)
	require.ErrorIs(t, err, ErrQueueEntryNotCalled)

	_, err = s.Admit(ctx, "neon", "someone-else", &waiting.ID)
	require.ErrorIs(t, err, ErrQueueEntryMismatch)

	missing := uuid.New()
	_, err = s.Admit(ctx, "neon", "u1", &missing)
	require.ErrorIs(t, err, ErrQueueEntryNotFound)
}

func TestSurge_HysteresisWaitsForQueueToDrain(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestService(t, surgeConfig())

	for i := 0; i < 4; i++ {
		_, err := s.Join(ctx, "neon", fmt.Sprintf("u%d", i), "d")
		require.NoError(t, err)
	}

	// The rate window has emptied but three guests still wait.
	clk.Advance(30 * time.Second)
	info, err := s.Surge(ctx, "neon")
	require.NoError(t, err)
	assert.Equal(t, domain.SurgeActive, info.State)
	assert.Equal(t, int64(0), info.Rate)

	require.NoError(t, s.Tick(ctx))
	info, err = s.Surge(ctx, "neon")
	require.NoError(t, err)
	assert.Equal(t, domain.SurgeActive, info.State, "one guest still waiting")

	require.NoError(t, s.Tick(ctx))
	info, err = s.Surge(ctx, "neon")
	require.NoError(t, err)
	assert.Equal(t, domain.SurgeNormal, info.State)
}

func TestReset_ClearsSurge(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t, surgeConfig())

	for i := 0; i < 2; i++ {
		_, err := s.Join(ctx, "other", fmt.Sprintf("u%d", i), "d")
		require.NoError(t, err)
	}
	require.NoError(t, s.Tick(ctx))

	require.NoError(t, s.Reset(ctx, "other"))

	info, err := s.Surge(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, domain.SurgeNormal, info.State)
	assert.Equal(t, int64(0), info.Rate)
}

func TestWindowCounter_Slides(t *testing.T) {
	ctx := context.Background()
	w := NewWindowCounter(10 * time.Second)

	n, err := w.Hit(ctx, "neon", t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = w.Hit(ctx, "neon", t0.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = w.Count(ctx, "neon", t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = w.Count(ctx, "neon", t0.Add(16*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
