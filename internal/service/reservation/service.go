// Package reservation turns purchase intent into time-boxed holds on the
// inventory ledger and resolves them: confirmed into entitlements, or
// released back on cancel and expiry.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/turnstile/internal/clock"
	"github.com/kirinyoku/turnstile/internal/domain"
	"github.com/kirinyoku/turnstile/internal/metrics"
	"github.com/kirinyoku/turnstile/internal/repository"
	"github.com/kirinyoku/turnstile/internal/service/admission"
	"github.com/kirinyoku/turnstile/internal/service/entitlement"
	"github.com/kirinyoku/turnstile/internal/service/inventory"
	"github.com/kirinyoku/turnstile/internal/uow"
)

// Limiter throttles reservation attempts per client key.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, current int64, retryAfter time.Duration, err error)
}

type Config struct {
	// DefaultHoldTTL applies when the caller asks for no particular TTL.
	DefaultHoldTTL time.Duration
	MinHoldTTL     time.Duration
	MaxHoldTTL     time.Duration
	SweepInterval  time.Duration
	SweepBatch     int
}

type Service struct {
	repo         repository.ReservationRepo
	inventory    *inventory.Service
	admission    *admission.Service
	entitlements *entitlement.Service
	limiter      Limiter
	clock        clock.Clock
	log          *slog.Logger
	cfg          Config
}

// New returns a reservation service. limiter may be nil.
func New(
	store repository.Store,
	inv *inventory.Service,
	adm *admission.Service,
	ents *entitlement.Service,
	limiter Limiter,
	clk clock.Clock,
	log *slog.Logger,
	cfg Config,
) *Service {
	if cfg.MinHoldTTL <= 0 {
		cfg.MinHoldTTL = time.Second
	}

	if cfg.MaxHoldTTL <= 0 || cfg.MaxHoldTTL < cfg.MinHoldTTL {
		cfg.MaxHoldTTL = 10 * time.Minute
	}

	if cfg.DefaultHoldTTL <= 0 {
		cfg.DefaultHoldTTL = 2 * time.Minute
	}
	cfg.DefaultHoldTTL = min(max(cfg.DefaultHoldTTL, cfg.MinHoldTTL), cfg.MaxHoldTTL)

	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}

	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 500
	}

	if clk == nil {
		clk = clock.NewSystem()
	}

	if log == nil {
		log = slog.Default()
	}

	return &Service{
		repo:         store.Reservations(),
		inventory:    inv,
		admission:    adm,
		entitlements: ents,
		limiter:      limiter,
		clock:        clk,
		log:          log,
		cfg:          cfg,
	}
}

type CreateInput struct {
	EventID      string
	UserID       string
	Items        []domain.TierItem
	TTL          time.Duration
	QueueEntryID *uuid.UUID
	// RateKey identifies the client for rate limiting. Empty skips it.
	RateKey string
}

// Create passes the admission gate, holds every item and stores an active
// reservation. A called queue entry is converted as part of it; if any step
// fails, the steps already taken are undone.
//
// Returns:
//   - *domain.Reservation: the active reservation.
//   - error: reservation.ErrInvalidInput for empty ids or bad items.
//   - error: reservation.RateLimitedError if the client is throttled.
//   - error: reservation.UnavailableError if a tier cannot hold its units.
//   - error: admission errors when the gate refuses the user.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Reservation, error) {
	const op = "service.reservation.Create"

	if in.EventID == "" || in.UserID == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidInput)
	}

	items, err := inventory.Merge(in.Items)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidInput)
	}

	if s.limiter != nil && in.RateKey != "" {
		ok, _, retry, err := s.limiter.Allow(ctx, in.RateKey)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if !ok {
			metrics.ReservationsTotal.WithLabelValues("rate_limited").Inc()
			return nil, fmt.Errorf("%s: %w", op, RateLimitedError{RetryAfter: retry})
		}
	}

	entry, err := s.admission.Admit(ctx, in.EventID, in.UserID, in.QueueEntryID)
	if err != nil {
		metrics.ReservationsTotal.WithLabelValues("gated").Inc()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	now := s.clock.Now()
	res := &domain.Reservation{
		ID:        uuid.New(),
		EventID:   in.EventID,
		UserID:    in.UserID,
		Items:     items,
		Status:    domain.ReservationActive,
		CreatedAt: now,
		ExpiresAt: now.Add(s.clampTTL(in.TTL)),
	}
	if entry != nil {
		id := entry.ID
		res.QueueEntryID = &id
	}

	err = uow.Do(ctx, func(ctx context.Context, u *uow.Unit) error {
		hold, err := s.inventory.HoldAll(ctx, res.EventID, res.Items)
		if err != nil {
			return err
		}
		if !hold.OK {
			return UnavailableError{TierID: hold.TierID, Reason: hold.Reason}
		}

		created := false
		u.OnRollback(func(ctx context.Context) error {
			if created {
				_, flipped, err := s.repo.Release(ctx, res.ID, domain.ReservationReleased, s.clock.Now())
				if err != nil || !flipped {
					return err
				}
			}
			return s.inventory.ReleaseAll(ctx, res.EventID, res.Items)
		})

		if err := s.repo.Create(ctx, res); err != nil {
			return err
		}
		created = true

		if entry != nil {
			if _, err := s.admission.Convert(ctx, entry.ID, res.ID); err != nil {
				return err
			}
		}

		u.After(func(ctx context.Context) {
			metrics.ReservationsTotal.WithLabelValues("created").Inc()
			s.log.Info("reservation created",
				slog.String("reservation_id", res.ID.String()),
				slog.String("event_id", res.EventID),
				slog.Int64("units", res.Units()),
			)
		})

		return nil
	})
	if err != nil {
		var unavailable UnavailableError
		if errors.As(err, &unavailable) {
			metrics.ReservationsTotal.WithLabelValues("unavailable").Inc()
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return res, nil
}

type ConfirmInput struct {
	// OrderID defaults to the reservation id.
	OrderID          string
	TicketType       domain.TicketType
	ScanCountAllowed int
	// Genders constrains units by position. Missing positions are unconstrained.
	Genders     []domain.Gender
	CoupleKey   string
	ClaimSource string
	ValidUntil  *time.Time
	// Settled marks the payment as already verified, activating the
	// entitlements on issue.
	Settled bool
}

// Confirm resolves an active, unexpired reservation: the held units become
// sold and one entitlement per unit is issued.
//
// Returns:
//   - []domain.Entitlement: the issued entitlements.
//   - error: reservation.ErrReservationNotFound if it does not exist.
//   - error: reservation.ErrReservationExpired if the hold window closed.
//   - error: reservation.ErrAlreadyResolved if it was confirmed or released.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID, in ConfirmInput) ([]domain.Entitlement, error) {
	const op = "service.reservation.Confirm"

	if in.TicketType == "" {
		in.TicketType = domain.TicketPaid
	}
	if !in.TicketType.Valid() || in.ScanCountAllowed < 0 {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidInput)
	}
	for _, g := range in.Genders {
		if g != domain.GenderAny && g != domain.GenderMale && g != domain.GenderFemale {
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidInput)
		}
	}

	// Catch input Issue would refuse before the reservation flips.
	if in.TicketType == domain.TicketCouple && in.CoupleKey == "" {
		cur, err := s.repo.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, mapErr(err))
		}
		if cur.Units() != 2 {
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidInput)
		}
	}

	now := s.clock.Now()

	res, err := s.repo.Confirm(ctx, id, now)
	if err != nil {
		err = mapErr(err)
		if errors.Is(err, ErrReservationExpired) {
			// Give the units back now instead of waiting for the sweep.
			if _, _, relErr := s.release(ctx, id, domain.ReservationExpired, now); relErr != nil {
				s.log.Error("releasing expired reservation failed",
					slog.String("reservation_id", id.String()),
					slog.Any("err", relErr),
				)
			}
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	metrics.ReservationsTotal.WithLabelValues("confirmed").Inc()

	if err := s.inventory.CommitAll(ctx, res.EventID, res.Items); err != nil {
		s.log.Error("confirmed reservation could not commit inventory",
			slog.String("reservation_id", res.ID.String()),
			slog.Any("err", err),
		)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	ents, err := s.IssueConfirmed(ctx, res, in)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return ents, nil
}

// IssueConfirmed issues the entitlements of a confirmed reservation. Issuing
// is idempotent per order, so it also completes a Confirm that failed after
// the reservation flipped.
func (s *Service) IssueConfirmed(
	ctx context.Context,
	res *domain.Reservation,
	in ConfirmInput,
) ([]domain.Entitlement, error) {
	const op = "service.reservation.IssueConfirmed"

	if res.Status != domain.ReservationConfirmed {
		return nil, fmt.Errorf("%s: %w", op, ErrAlreadyResolved)
	}

	if in.TicketType == "" {
		in.TicketType = domain.TicketPaid
	}

	orderID := in.OrderID
	if orderID == "" {
		orderID = res.ID.String()
	}

	var units []entitlement.Unit
	for _, it := range res.Items {
		for i := int64(0); i < it.Qty; i++ {
			u := entitlement.Unit{TierID: it.TierID}
			if n := len(units); n < len(in.Genders) {
				u.GenderConstraint = in.Genders[n]
			}
			units = append(units, u)
		}
	}

	resID := res.ID
	ents, err := s.entitlements.Issue(ctx, entitlement.IssueInput{
		OrderID:          orderID,
		EventID:          res.EventID,
		ReservationID:    &resID,
		OwnerUserID:      res.UserID,
		TicketType:       in.TicketType,
		Units:            units,
		ScanCountAllowed: in.ScanCountAllowed,
		ClaimSource:      in.ClaimSource,
		CoupleKey:        in.CoupleKey,
		Activate:         in.Settled,
		ValidUntil:       in.ValidUntil,
	})
	if err != nil {
		s.log.Error("issuing entitlements for confirmed reservation failed",
			slog.String("reservation_id", res.ID.String()),
			slog.String("order_id", orderID),
			slog.Any("err", err),
		)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return ents, nil
}

// Cancel releases an active reservation and its held units. A reservation
// already past its deadline is released as expired instead.
//
// Returns:
//   - error: reservation.ErrReservationNotFound if it does not exist.
//   - error: reservation.ErrReservationExpired if the hold window closed.
//   - error: reservation.ErrAlreadyResolved if it was confirmed or cancelled.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	const op = "service.reservation.Cancel"

	res, flipped, err := s.release(ctx, id, domain.ReservationReleased, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapErr(err))
	}

	switch {
	case res.Status == domain.ReservationExpired:
		return nil, fmt.Errorf("%s: %w", op, ErrReservationExpired)
	case !flipped:
		return nil, fmt.Errorf("%s: %w", op, ErrAlreadyResolved)
	}

	return res, nil
}

// release flips the reservation to status and hands its units back to the
// ledger. Only the caller that flipped it touches the ledger.
func (s *Service) release(
	ctx context.Context,
	id uuid.UUID,
	status domain.ReservationStatus,
	now time.Time,
) (*domain.Reservation, bool, error) {
	res, flipped, err := s.repo.Release(ctx, id, status, now)
	if err != nil || !flipped {
		return res, false, err
	}

	if err := s.inventory.ReleaseAll(ctx, res.EventID, res.Items); err != nil {
		return nil, true, err
	}

	label := "cancelled"
	if res.Status == domain.ReservationExpired {
		label = "expired"
	}
	metrics.ReservationsTotal.WithLabelValues(label).Inc()

	return res, true, nil
}

// Get returns a reservation by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	const op = "service.reservation.Get"

	res, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapErr(err))
	}

	return res, nil
}

// Sweep expires active reservations past their deadline and releases their
// units. It returns how many reservations it expired.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	const op = "service.reservation.Sweep"

	due, err := s.repo.ListExpired(ctx, s.clock.Now(), s.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	n := 0
	for _, r := range due {
		_, flipped, err := s.release(ctx, r.ID, domain.ReservationExpired, s.clock.Now())
		if err != nil {
			return n, fmt.Errorf("%s: %w", op, err)
		}
		if flipped {
			n++
		}
	}

	return n, nil
}

// Run sweeps expired reservations every SweepInterval until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.log.Error("reservation sweep failed", slog.Any("err", err))
				continue
			}
			if n > 0 {
				s.log.Info("reservations expired", slog.Int("count", n))
			}
		}
	}
}

func (s *Service) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.cfg.DefaultHoldTTL
	}

	if ttl < s.cfg.MinHoldTTL {
		return s.cfg.MinHoldTTL
	}

	if ttl > s.cfg.MaxHoldTTL {
		return s.cfg.MaxHoldTTL
	}

	return ttl
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return ErrReservationNotFound
	case errors.Is(err, repository.ErrReservationExpired):
		return ErrReservationExpired
	case errors.Is(err, repository.ErrAlreadyResolved):
		return ErrAlreadyResolved
	}
	return err
}
