// Package entitlement manages the lifecycle of issued tickets: issue,
// activation, revocation, expiry, transfer and couple linking.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/turnstile/internal/clock"
	"github.com/kirinyoku/turnstile/internal/credential"
	"github.com/kirinyoku/turnstile/internal/domain"
	"github.com/kirinyoku/turnstile/internal/metrics"
	"github.com/kirinyoku/turnstile/internal/repository"
	"github.com/kirinyoku/turnstile/internal/uow"
)

// Notifier is told about newly issued entitlements once they are stored.
type Notifier interface {
	PublishIssued(ctx context.Context, orderID, eventID, ownerUserID string, ids []uuid.UUID) error
}

type Config struct {
	ExpireInterval time.Duration
	ExpireBatch    int
}

type Service struct {
	repo     repository.EntitlementRepo
	signer   *credential.Signer
	notifier Notifier
	clock    clock.Clock
	log      *slog.Logger
	cfg      Config
}

// New returns an entitlement service. notifier may be nil.
func New(
	store repository.Store,
	signer *credential.Signer,
	notifier Notifier,
	clk clock.Clock,
	log *slog.Logger,
	cfg Config,
) *Service {
	if cfg.ExpireInterval <= 0 {
		cfg.ExpireInterval = time.Minute
	}

	if cfg.ExpireBatch <= 0 {
		cfg.ExpireBatch = 500
	}

	if clk == nil {
		clk = clock.NewSystem()
	}

	if log == nil {
		log = slog.Default()
	}

	return &Service{
		repo:     store.Entitlements(),
		signer:   signer,
		notifier: notifier,
		clock:    clk,
		log:      log,
		cfg:      cfg,
	}
}

// Unit describes one ticket unit of an order.
type Unit struct {
	TierID           string
	GenderConstraint domain.Gender
}

type IssueInput struct {
	OrderID       string
	EventID       string
	ReservationID *uuid.UUID
	OwnerUserID   string
	TicketType    domain.TicketType
	Units         []Unit
	// ScanCountAllowed defaults to 1.
	ScanCountAllowed int
	ClaimSource      string
	// CoupleKey pairs couple tickets across orders. A two-unit couple order
	// without a key is paired with itself.
	CoupleKey string
	// Activate issues the entitlements ACTIVE, for settled payments.
	Activate   bool
	ValidUntil *time.Time
}

func (in *IssueInput) validate() error {
	if in.OrderID == "" || in.EventID == "" || in.OwnerUserID == "" || len(in.Units) == 0 {
		return ErrInvalidInput
	}

	if !in.TicketType.Valid() {
		return ErrInvalidInput
	}

	if in.ScanCountAllowed < 0 {
		return ErrInvalidInput
	}

	for _, u := range in.Units {
		if u.TierID == "" {
			return ErrInvalidInput
		}
		switch u.GenderConstraint {
		case domain.GenderAny, domain.GenderMale, domain.GenderFemale:
		default:
			return ErrInvalidInput
		}
	}

	if in.TicketType == domain.TicketCouple && in.CoupleKey == "" && len(in.Units) != 2 {
		return ErrInvalidInput
	}

	return nil
}

// Issue creates one entitlement per unit of the order. It is idempotent per
// order id: a repeated call returns the existing set. Couple
// tickets are paired with their partner as part of issuing.
func (s *Service) Issue(ctx context.Context, in IssueInput) ([]domain.Entitlement, error) {
	const op = "service.entitlement.Issue"

	if err := in.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if in.ScanCountAllowed == 0 {
		in.ScanCountAllowed = 1
	}

	coupleKey := ""
	if in.TicketType == domain.TicketCouple {
		coupleKey = in.CoupleKey
		if coupleKey == "" {
			coupleKey = "order:" + in.OrderID
		}
	}

	now := s.clock.Now()
	state := domain.EntitlementIssued
	if in.Activate || in.TicketType.ActivatesOnIssue() {
		state = domain.EntitlementActive
	}

	ents := make([]domain.Entitlement, 0, len(in.Units))
	for i, u := range in.Units {
		e := domain.Entitlement{
			ID:               uuid.New(),
			EventID:          in.EventID,
			OrderID:          in.OrderID,
			UnitIndex:        i,
			ReservationID:    in.ReservationID,
			OwnerUserID:      in.OwnerUserID,
			TierID:           u.TierID,
			TicketType:       in.TicketType,
			GenderConstraint: u.GenderConstraint,
			ScanCountAllowed: in.ScanCountAllowed,
			State:            state,
			IssuedAt:         now,
			ValidUntil:       in.ValidUntil,
			CoupleKey:        coupleKey,
			Metadata:         domain.EntitlementMetadata{ClaimSource: in.ClaimSource},
		}
		if state == domain.EntitlementActive {
			at := now
			e.ActivatedAt = &at
		}
		ents = append(ents, e)
	}

	var out []domain.Entitlement
	err := uow.Do(ctx, func(ctx context.Context, u *uow.Unit) error {
		issued, created, err := s.repo.IssueBatch(ctx, in.OrderID, ents)
		if err != nil {
			return err
		}

		// Also retried on repeat calls, in case an earlier call stored the
		// batch but failed before pairing.
		if issued, err = s.pairCouples(ctx, in.OrderID, issued); err != nil {
			return err
		}

		out = issued

		if created {
			metrics.EntitlementTransitions.WithLabelValues(string(state)).Add(float64(len(issued)))
			u.After(func(ctx context.Context) { s.notifyIssued(ctx, issued) })
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

// pairCouples runs the rendezvous for every unlinked couple entitlement of
// the order and returns the refreshed set.
func (s *Service) pairCouples(ctx context.Context, orderID string, ents []domain.Entitlement) ([]domain.Entitlement, error) {
	paired := false
	for _, e := range ents {
		if e.TicketType != domain.TicketCouple || e.CoupleLinked() || e.State.Terminal() {
			continue
		}
		if _, _, err := s.repo.Rendezvous(ctx, e.ID); err != nil {
			return nil, err
		}
		paired = true
	}

	if !paired {
		return ents, nil
	}

	return s.repo.ListByOrder(ctx, orderID)
}

func (s *Service) notifyIssued(ctx context.Context, ents []domain.Entitlement) {
	if s.notifier == nil || len(ents) == 0 {
		return
	}

	ids := make([]uuid.UUID, 0, len(ents))
	for _, e := range ents {
		ids = append(ids, e.ID)
	}

	first := ents[0]
	if err := s.notifier.PublishIssued(ctx, first.OrderID, first.EventID, first.OwnerUserID, ids); err != nil {
		s.log.Warn("entitlements issued notification failed",
			slog.String("order_id", first.OrderID),
			slog.Any("err", err),
		)
	}
}

// Activate moves the order's ISSUED entitlements to ACTIVE. Entitlements
// already active or terminal are left as they are.
//
// Returns:
//   - error: entitlement.ErrOrderNotFound if the order has no entitlements.
func (s *Service) Activate(ctx context.Context, orderID string) ([]domain.Entitlement, error) {
	const op = "service.entitlement.Activate"

	ents, err := s.repo.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(ents) == 0 {
		return nil, fmt.Errorf("%s: %w", op, ErrOrderNotFound)
	}

	out := make([]domain.Entitlement, 0, len(ents))
	for _, e := range ents {
		updated, err := s.repo.Update(ctx, e.ID, func(e *domain.Entitlement) error {
			if e.State == domain.EntitlementIssued && e.Transition(domain.EntitlementActive, s.clock.Now()) {
				metrics.EntitlementTransitions.WithLabelValues(string(domain.EntitlementActive)).Inc()
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, *updated)
	}

	return out, nil
}

// Revoke moves an ISSUED or ACTIVE entitlement to REVOKED.
//
// Returns:
//   - error: entitlement.ErrInvalidTransition if it is already terminal.
func (s *Service) Revoke(ctx context.Context, id uuid.UUID, reason string) (*domain.Entitlement, error) {
	const op = "service.entitlement.Revoke"

	e, err := s.repo.Update(ctx, id, func(e *domain.Entitlement) error {
		if !e.Transition(domain.EntitlementRevoked, s.clock.Now()) {
			return ErrInvalidTransition
		}
		e.Metadata.RevokeReason = reason
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, s.mapErr(err))
	}

	metrics.EntitlementTransitions.WithLabelValues(string(domain.EntitlementRevoked)).Inc()
	s.log.Info("entitlement revoked",
		slog.String("entitlement_id", id.String()),
		slog.String("reason", reason),
	)

	return e, nil
}

// RevokeOrder revokes every non-terminal entitlement of the order.
func (s *Service) RevokeOrder(ctx context.Context, orderID, reason string) ([]domain.Entitlement, error) {
	const op = "service.entitlement.RevokeOrder"

	ents, err := s.repo.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var out []domain.Entitlement
	for _, e := range ents {
		if e.State.Terminal() {
			continue
		}
		revoked, err := s.Revoke(ctx, e.ID, reason)
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, *revoked)
	}

	return out, nil
}

// Transfer hands an unused ACTIVE entitlement to another user. It shares
// the per-entitlement lock with scan consumption, and bumps the credential
// generation so credentials minted for the previous owner go stale.
//
// Returns:
//   - error: entitlement.ErrNotOwner if from does not own it.
//   - error: entitlement.ErrTransferNotAllowed unless ACTIVE and unused.
func (s *Service) Transfer(ctx context.Context, id uuid.UUID, from, to string) (*domain.Entitlement, error) {
	const op = "service.entitlement.Transfer"

	if from == "" || to == "" || from == to {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidInput)
	}

	e, err := s.repo.Update(ctx, id, func(e *domain.Entitlement) error {
		if e.OwnerUserID != from {
			return ErrNotOwner
		}
		if e.State != domain.EntitlementActive || e.ScanCountUsed != 0 {
			return ErrTransferNotAllowed
		}

		e.Metadata.TransferHistory = append(e.Metadata.TransferHistory, domain.TransferRecord{
			FromUserID: from,
			ToUserID:   to,
			At:         s.clock.Now(),
		})
		e.OwnerUserID = to
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, s.mapErr(err))
	}

	return e, nil
}

// Link pairs two couple entitlements explicitly.
func (s *Service) Link(ctx context.Context, a, b uuid.UUID) (*domain.Entitlement, *domain.Entitlement, error) {
	const op = "service.entitlement.Link"

	ea, eb, err := s.repo.Link(ctx, a, b)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, s.mapErr(err))
	}

	return ea, eb, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Entitlement, error) {
	const op = "service.entitlement.Get"

	e, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, s.mapErr(err))
	}

	return e, nil
}

func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]domain.Entitlement, error) {
	const op = "service.entitlement.ListByOrder"

	ents, err := s.repo.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return ents, nil
}

// Credential is a freshly minted door credential.
type Credential struct {
	EntitlementID uuid.UUID  `json:"entitlement_id"`
	Token         string     `json:"token"`
	Generation    uint32     `json:"generation"`
	RefreshAt     *time.Time `json:"refresh_at,omitempty"`
}

// Credential mints the current credential of an entitlement for its owner.
// An empty userID skips the ownership check.
func (s *Service) Credential(ctx context.Context, id uuid.UUID, userID string) (*Credential, error) {
	const op = "service.entitlement.Credential"

	e, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, s.mapErr(err))
	}

	if userID != "" && e.OwnerUserID != userID {
		return nil, fmt.Errorf("%s: %w", op, ErrNotOwner)
	}

	if e.State.Terminal() {
		return nil, fmt.Errorf("%s: %w", op, ErrNotScannable)
	}

	now := s.clock.Now()

	token, err := s.signer.Mint(e.ID, e.Generation(), now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	out := &Credential{
		EntitlementID: e.ID,
		Token:         token,
		Generation:    e.Generation(),
	}
	if s.signer.Rotation() > 0 {
		refresh := s.signer.ValidUntil(now)
		out.RefreshAt = &refresh
	}

	return out, nil
}

// ExpireSweep moves ISSUED/ACTIVE entitlements whose valid_until has passed
// to EXPIRED and returns how many it moved.
func (s *Service) ExpireSweep(ctx context.Context) (int, error) {
	const op = "service.entitlement.ExpireSweep"

	now := s.clock.Now()

	due, err := s.repo.ListExpirable(ctx, now, s.cfg.ExpireBatch)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	n := 0
	for _, e := range due {
		_, err := s.repo.Update(ctx, e.ID, func(e *domain.Entitlement) error {
			if e.ValidUntil == nil || now.Before(*e.ValidUntil) {
				return ErrInvalidTransition
			}
			if !e.Transition(domain.EntitlementExpired, now) {
				return ErrInvalidTransition
			}
			return nil
		})
		if errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("%s: %w", op, err)
		}
		n++
	}

	metrics.EntitlementTransitions.WithLabelValues(string(domain.EntitlementExpired)).Add(float64(n))

	return n, nil
}

// Run sweeps expired entitlements every ExpireInterval until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.ExpireInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := s.ExpireSweep(ctx)
			if err != nil {
				s.log.Error("entitlement expiry sweep failed", slog.Any("err", err))
				continue
			}
			if n > 0 {
				s.log.Info("entitlements expired", slog.Int("count", n))
			}
		}
	}
}

func (s *Service) mapErr(err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return ErrEntitlementNotFound
	case errors.Is(err, repository.ErrConflict):
		return ErrCoupleLinkInvalid
	}
	return err
}
