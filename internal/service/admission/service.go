// Package admission runs the virtual waiting room: per-event surge
// detection, strictly ordered queue positions and tick-driven admission.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/turnstile/internal/clock"
	"github.com/kirinyoku/turnstile/internal/domain"
	"github.com/kirinyoku/turnstile/internal/metrics"
	"github.com/kirinyoku/turnstile/internal/repository"
)

type Config struct {
	// SurgeEnterThreshold is the signal count within SurgeWindow above
	// which an event enters surge.
	SurgeEnterThreshold int64
	// SurgeExitThreshold is the count at or below which a surging event may
	// return to normal once nobody is waiting.
	SurgeExitThreshold int64
	SurgeWindow        time.Duration
	// AdmitBatch is how many waiting entries one tick calls per event.
	AdmitBatch int
	// MaxCalled caps concurrently called entries per event. Zero means no cap.
	MaxCalled    int
	AdmitWindow  time.Duration
	TickInterval time.Duration
}

type Service struct {
	repo    repository.QueueRepo
	counter RateCounter
	surge   *surgeBook
	clock   clock.Clock
	log     *slog.Logger
	cfg     Config
}

// New returns an admission service. A nil counter falls back to an
// in-process sliding window.
func New(
	store repository.Store,
	counter RateCounter,
	clk clock.Clock,
	log *slog.Logger,
	cfg Config,
) *Service {
	if cfg.SurgeEnterThreshold <= 0 {
		cfg.SurgeEnterThreshold = 100
	}

	if cfg.SurgeExitThreshold < 0 || cfg.SurgeExitThreshold >= cfg.SurgeEnterThreshold {
		cfg.SurgeExitThreshold = cfg.SurgeEnterThreshold / 2
	}

	if cfg.SurgeWindow <= 0 {
		cfg.SurgeWindow = 10 * time.Second
	}

	if cfg.AdmitBatch <= 0 {
		cfg.AdmitBatch = 50
	}

	if cfg.MaxCalled < 0 {
		cfg.MaxCalled = 0
	}

	if cfg.AdmitWindow <= 0 {
		cfg.AdmitWindow = 2 * time.Minute
	}

	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 2 * time.Second
	}

	if counter == nil {
		counter = NewWindowCounter(cfg.SurgeWindow)
	}

	if clk == nil {
		clk = clock.NewSystem()
	}

	if log == nil {
		log = slog.Default()
	}

	return &Service{
		repo:    store.Queue(),
		counter: counter,
		surge:   newSurgeBook(cfg.SurgeEnterThreshold, cfg.SurgeExitThreshold),
		clock:   clk,
		log:     log,
		cfg:     cfg,
	}
}

// Join records a purchase-intent signal and places the user in the event's
// queue. In normal state the entry is admitted at once; in surge it waits
// for the admission tick. A user with an open entry gets that entry back.
func (s *Service) Join(ctx context.Context, eventID, userID, deviceID string) (*domain.QueueEntry, error) {
	const op = "service.admission.Join"

	if eventID == "" || userID == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidInput)
	}

	now := s.clock.Now()

	existing, err := s.repo.FindOpen(ctx, eventID, userID)
	switch {
	case err == nil:
		if existing.State == domain.QueueWaiting || existing.AdmissionOpen(now) {
			return existing, nil
		}
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	rate, err := s.counter.Hit(ctx, eventID, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	stats, err := s.repo.Stats(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	state := s.surge.observe(eventID, rate, stats.Waiting, now)

	entry := &domain.QueueEntry{
		ID:       uuid.New(),
		EventID:  eventID,
		UserID:   userID,
		DeviceID: deviceID,
		State:    domain.QueueWaiting,
	}

	if state.state == domain.SurgeNormal {
		deadline := now.Add(s.cfg.AdmitWindow)
		entry.State = domain.QueueCalled
		entry.AdmitDeadline = &deadline
	}

	out, err := s.repo.Join(ctx, entry, s.clock.Now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	metrics.QueueJoins.WithLabelValues(string(state.state)).Inc()

	return out, nil
}

// Status reports the entry's position among waiting entries and an
// estimate of the wait. It never mutates state.
func (s *Service) Status(ctx context.Context, queueID uuid.UUID) (*domain.QueueStatus, error) {
	const op = "service.admission.Status"

	e, err := s.repo.Get(ctx, queueID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrQueueEntryNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	st := &domain.QueueStatus{
		QueueID:       e.ID,
		EventID:       e.EventID,
		State:         e.State,
		AdmitDeadline: e.AdmitDeadline,
	}

	if e.State != domain.QueueWaiting {
		return st, nil
	}

	ahead, err := s.repo.CountAhead(ctx, e.EventID, e.Position)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	st.Position = ahead + 1
	st.EstimatedWaitSeconds = s.estimateWait(st.Position)

	return st, nil
}

// estimateWait assumes one batch is called per tick.
func (s *Service) estimateWait(position int64) int64 {
	batch := int64(s.cfg.AdmitBatch)
	ticks := (position + batch - 1) / batch
	return int64((time.Duration(ticks) * s.cfg.TickInterval).Seconds())
}

// Tick runs one admission pass over every event with open entries or an
// active surge.
func (s *Service) Tick(ctx context.Context) error {
	const op = "service.admission.Tick"

	events, err := s.repo.ActiveEvents(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	seen := make(map[string]struct{}, len(events))
	for _, id := range events {
		seen[id] = struct{}{}
	}
	for _, id := range s.surge.surging() {
		if _, ok := seen[id]; !ok {
			events = append(events, id)
		}
	}
	sort.Strings(events)

	var errs []error
	for _, eventID := range events {
		if err := s.tickEvent(ctx, eventID); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s: %w", op, errors.Join(errs...))
	}

	return nil
}

// tickEvent expires called entries past their deadline, then calls the next
// batch in position order, bounded by MaxCalled.
func (s *Service) tickEvent(ctx context.Context, eventID string) error {
	now := s.clock.Now()

	expired, err := s.repo.ExpireCalled(ctx, eventID, now)
	if err != nil {
		return err
	}
	metrics.QueueExpired.Add(float64(len(expired)))

	stats, err := s.repo.Stats(ctx, eventID)
	if err != nil {
		return err
	}

	n := s.cfg.AdmitBatch
	if s.cfg.MaxCalled > 0 {
		n = min(n, s.cfg.MaxCalled-int(stats.Called))
	}

	var called []domain.QueueEntry
	if n > 0 && stats.Waiting > 0 {
		called, err = s.repo.CallNext(ctx, eventID, n, now, now.Add(s.cfg.AdmitWindow))
		if err != nil {
			return err
		}
		metrics.QueueCalled.Add(float64(len(called)))
	}

	rate, err := s.counter.Count(ctx, eventID, now)
	if err != nil {
		return err
	}
	state := s.surge.observe(eventID, rate, stats.Waiting-int64(len(called)), now)

	if len(expired) > 0 || len(called) > 0 {
		s.log.Info("admission tick",
			slog.String("event_id", eventID),
			slog.Int("expired", len(expired)),
			slog.Int("called", len(called)),
			slog.String("surge", string(state.state)),
		)
	}

	return nil
}

// Run ticks every TickInterval until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.TickInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := s.Tick(ctx); err != nil {
				s.log.Error("admission tick failed", slog.Any("err", err))
			}
		}
	}
}

// Admit is the gate in front of reservation creation. With a queue entry it
// requires that entry to be the user's, called and inside its window. Without
// one it lets the user through unless the event is surging.
//
// Returns:
//   - *domain.QueueEntry: the admitting entry, nil for pass-through.
//   - error: admission.ErrQueueRequired in surge without an entry.
//   - error: admission.ErrQueueEntryNotCalled, ErrQueueEntryExpired,
//     ErrQueueEntryUsed or ErrQueueEntryMismatch for unusable entries.
func (s *Service) Admit(
	ctx context.Context,
	eventID, userID string,
	queueEntryID *uuid.UUID,
) (*domain.QueueEntry, error) {
	const op = "service.admission.Admit"

	now := s.clock.Now()

	if queueEntryID == nil {
		info, err := s.Surge(ctx, eventID)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if info.State == domain.SurgeActive {
			return nil, fmt.Errorf("%s: %w", op, ErrQueueRequired)
		}
		return nil, nil
	}

	e, err := s.repo.Get(ctx, *queueEntryID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrQueueEntryNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if e.EventID != eventID || e.UserID != userID {
		return nil, fmt.Errorf("%s: %w", op, ErrQueueEntryMismatch)
	}

	switch e.State {
	case domain.QueueWaiting:
		return nil, fmt.Errorf("%s: %w", op, ErrQueueEntryNotCalled)
	case domain.QueueExpired:
		return nil, fmt.Errorf("%s: %w", op, ErrQueueEntryExpired)
	case domain.QueueConverted:
		return nil, fmt.Errorf("%s: %w", op, ErrQueueEntryUsed)
	}

	if !e.AdmissionOpen(now) {
		return nil, fmt.Errorf("%s: %w", op, ErrQueueEntryExpired)
	}

	return e, nil
}

// Convert consumes the admission of a called entry for reservationID. The
// deadline is checked again under the entry's lock.
func (s *Service) Convert(ctx context.Context, entryID, reservationID uuid.UUID) (*domain.QueueEntry, error) {
	const op = "service.admission.Convert"

	e, err := s.repo.Convert(ctx, entryID, reservationID, s.clock.Now())
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, fmt.Errorf("%s: %w", op, ErrQueueEntryNotFound)
		case errors.Is(err, repository.ErrQueueNotCalled):
			return nil, fmt.Errorf("%s: %w", op, ErrQueueEntryNotCalled)
		case errors.Is(err, repository.ErrQueueExpired):
			return nil, fmt.Errorf("%s: %w", op, ErrQueueEntryExpired)
		case errors.Is(err, repository.ErrConflict):
			return nil, fmt.Errorf("%s: %w", op, ErrQueueEntryUsed)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return e, nil
}

// Surge re-evaluates and reports the event's surge state.
func (s *Service) Surge(ctx context.Context, eventID string) (*domain.SurgeInfo, error) {
	const op = "service.admission.Surge"

	now := s.clock.Now()

	rate, err := s.counter.Count(ctx, eventID, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	stats, err := s.repo.Stats(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	state := s.surge.observe(eventID, rate, stats.Waiting, now)

	return &domain.SurgeInfo{
		EventID:   eventID,
		State:     state.state,
		Rate:      rate,
		Since:     state.since,
		Waiting:   stats.Waiting,
		Called:    stats.Called,
		Threshold: s.cfg.SurgeEnterThreshold,
	}, nil
}

// Reset forgets the event's surge state and rate window.
func (s *Service) Reset(ctx context.Context, eventID string) error {
	const op = "service.admission.Reset"

	s.surge.reset(eventID)

	if err := s.counter.Reset(ctx, eventID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
