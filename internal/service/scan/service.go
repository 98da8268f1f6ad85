// Package scan validates credentials at the door. Every attempt, granted or
// not, leaves exactly one entry in the scan ledger.
package scan

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
)

// Flagger counts denials per credential hash. allowed turns false once the
// hash is denied too often inside the window.
type Flagger interface {
	Allow(ctx context.Context, key string) (allowed bool, current int64, retryAfter time.Duration, err error)
}

type Service struct {
	entitlements repository.EntitlementRepo
	ledger       repository.ScanLedgerRepo
	signer       *credential.Signer
	flagger      Flagger
	clock        clock.Clock
	log          *slog.Logger
}

// New returns a scan service. flagger may be nil.
func New(
	store repository.Store,
	signer *credential.Signer,
	flagger Flagger,
	clk clock.Clock,
	log *slog.Logger,
) *Service {
	if clk == nil {
		clk = clock.NewSystem()
	}

	if log == nil {
		log = slog.Default()
	}

	return &Service{
		entitlements: store.Entitlements(),
		ledger:       store.ScanLedger(),
		signer:       signer,
		flagger:      flagger,
		clock:        clk,
		log:          log,
	}
}

type Input struct {
	Credential string
	EventID    string
	ScannerID  string
	// AttendeeGender is what the door staff observed. Empty means unknown,
	// which fails gender-constrained tickets.
	AttendeeGender domain.Gender
}

// Scan validates a credential for an event. Denials are returned as an
// outcome; an error means the attempt could not be recorded.
func (s *Service) Scan(ctx context.Context, in Input) (*domain.ScanOutcome, error) {
	const op = "service.scan.Scan"

	if in.EventID == "" || in.ScannerID == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidInput)
	}

	start := time.Now()
	defer func() { metrics.ScanDuration.Observe(time.Since(start).Seconds()) }()

	now := s.clock.Now()
	base := domain.ScanLedgerEntry{
		ScanID:         uuid.New(),
		EventID:        in.EventID,
		ScannerID:      in.ScannerID,
		Timestamp:      now,
		CredentialHash: credential.Hash(in.Credential),
	}

	v, err := s.signer.Verify(in.Credential, now)
	if err != nil {
		entry := base
		entry.Result = domain.ScanDenied
		switch {
		case errors.Is(err, credential.ErrMalformed):
			entry.ReasonCode = domain.ReasonInvalidQR
		case errors.Is(err, credential.ErrSignature):
			entry.ReasonCode = domain.ReasonSignatureInvalid
		case errors.Is(err, credential.ErrStale):
			id := v.EntitlementID
			entry.EntitlementID = &id
			entry.ReasonCode = domain.ReasonStaleQR
		default:
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return s.record(ctx, op, entry)
	}

	id := v.EntitlementID
	var lapsed bool
	ent, entry, err := s.entitlements.Scan(ctx, id, func(e *domain.Entitlement) domain.ScanLedgerEntry {
		was := e.State
		out := decide(base, v, in, e, now)
		lapsed = was != domain.EntitlementExpired && e.State == domain.EntitlementExpired
		return out
	})
	if errors.Is(err, repository.ErrNotFound) {
		missing := base
		missing.EntitlementID = &id
		missing.Result = domain.ScanDenied
		missing.ReasonCode = domain.ReasonEntitlementNotFound
		return s.record(ctx, op, missing)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if lapsed {
		metrics.EntitlementTransitions.WithLabelValues(string(domain.EntitlementExpired)).Inc()
		s.log.Info("entitlement expired at scan", slog.String("entitlement_id", id.String()))
	}

	return s.outcome(ctx, *entry, ent), nil
}

// decide runs the entitlement checks in order and, when they all pass,
// consumes one use of e. An entitlement past valid_until is expired in place.
func decide(
	base domain.ScanLedgerEntry,
	v credential.Verified,
	in Input,
	e *domain.Entitlement,
	now time.Time,
) domain.ScanLedgerEntry {
	entry := base
	id := e.ID
	entry.EntitlementID = &id
	entry.PriorState = e.State

	deny := func(reason domain.ReasonCode) domain.ScanLedgerEntry {
		entry.Result = domain.ScanDenied
		entry.ReasonCode = reason
		return entry
	}

	if v.Generation != e.Generation() {
		return deny(domain.ReasonStaleQR)
	}

	if e.ValidUntil != nil && !now.Before(*e.ValidUntil) && e.Transition(domain.EntitlementExpired, now) {
		entry.PriorState = domain.EntitlementExpired
		return deny(domain.ReasonEntitlementNotActive)
	}

	switch e.State {
	case domain.EntitlementActive:
	case domain.EntitlementConsumed:
		return deny(domain.ReasonAlreadyConsumed)
	default:
		return deny(domain.ReasonEntitlementNotActive)
	}

	if e.EventID != in.EventID {
		return deny(domain.ReasonEventMismatch)
	}

	if e.GenderConstraint != domain.GenderAny && e.GenderConstraint != in.AttendeeGender {
		return deny(domain.ReasonGenderMismatch)
	}

	if !e.CoupleLinked() {
		return deny(domain.ReasonCoupleIncomplete)
	}

	if e.ScanCountUsed >= e.ScanCountAllowed {
		return deny(domain.ReasonAlreadyConsumed)
	}

	e.ScanCountUsed++
	if e.ScanCountUsed == e.ScanCountAllowed {
		e.Transition(domain.EntitlementConsumed, now)
	}

	entry.Result = domain.ScanGranted
	return entry
}

// record appends a denial decided before the entitlement lock was taken.
func (s *Service) record(ctx context.Context, op string, entry domain.ScanLedgerEntry) (*domain.ScanOutcome, error) {
	if err := s.ledger.Append(ctx, &entry); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s.outcome(ctx, entry, nil), nil
}

func (s *Service) outcome(ctx context.Context, entry domain.ScanLedgerEntry, ent *domain.Entitlement) *domain.ScanOutcome {
	metrics.ScansTotal.WithLabelValues(string(entry.Result), string(entry.ReasonCode)).Inc()

	out := &domain.ScanOutcome{
		ScanID:     entry.ScanID,
		Result:     entry.Result,
		ReasonCode: entry.ReasonCode,
		PriorState: entry.PriorState,
	}

	if entry.Result == domain.ScanGranted {
		out.Entitlement = ent
		if ent.State == domain.EntitlementConsumed {
			metrics.EntitlementTransitions.WithLabelValues(string(domain.EntitlementConsumed)).Inc()
		}
		return out
	}

	s.flag(ctx, entry)

	return out
}

// flag reports credentials that keep getting denied.
func (s *Service) flag(ctx context.Context, entry domain.ScanLedgerEntry) {
	if s.flagger == nil || entry.CredentialHash == "" {
		return
	}

	allowed, count, _, err := s.flagger.Allow(ctx, entry.CredentialHash)
	if err != nil {
		s.log.Warn("scan flagging unavailable", slog.Any("err", err))
		return
	}
	if allowed {
		return
	}

	metrics.ScanFlagged.Inc()
	s.log.Warn("credential repeatedly denied",
		slog.String("credential_hash", entry.CredentialHash),
		slog.String("event_id", entry.EventID),
		slog.String("scanner_id", entry.ScannerID),
		slog.String("reason", string(entry.ReasonCode)),
		slog.Int64("denials", count),
	)
}

// History returns the scan attempts recorded against an entitlement, oldest
// first.
func (s *Service) History(ctx context.Context, entitlementID uuid.UUID) ([]domain.ScanLedgerEntry, error) {
	const op = "service.scan.History"

	if _, err := s.entitlements.Get(ctx, entitlementID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrEntitlementNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	entries, err := s.ledger.ListByEntitlement(ctx, entitlementID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return entries, nil
}

// EventLedger returns the newest scan attempts of an event.
func (s *Service) EventLedger(ctx context.Context, eventID string, limit int) ([]domain.ScanLedgerEntry, error) {
	const op = "service.scan.EventLedger"

	if eventID == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidInput)
	}

	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	entries, err := s.ledger.ListByEvent(ctx, eventID, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return entries, nil
}
