// Package payment consumes the payment collaborator's signed webhooks and
// drives reservations and entitlements from settlement outcomes.
package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/turnstile/internal/domain"
	"github.com/kirinyoku/turnstile/internal/metrics"
	"github.com/kirinyoku/turnstile/internal/service/entitlement"
	"github.com/kirinyoku/turnstile/internal/service/reservation"
)

const (
	SignatureHeader = "X-Turnstile-Signature"
	signaturePrefix = "sha256="
)

type EventType string

const (
	EventSettled   EventType = "payment.settled"
	EventFailed    EventType = "payment.failed"
	EventCancelled EventType = "payment.cancelled"
)

// Event is the webhook body sent by the payment collaborator.
type Event struct {
	ID               string            `json:"id"`
	Type             EventType         `json:"type"`
	ReservationID    uuid.UUID         `json:"reservation_id"`
	OrderID          string            `json:"order_id"`
	TicketType       domain.TicketType `json:"ticket_type,omitempty"`
	ScanCountAllowed int               `json:"scan_count_allowed,omitempty"`
	Genders          []domain.Gender   `json:"genders,omitempty"`
	CoupleKey        string            `json:"couple_key,omitempty"`
	ValidUntil       *time.Time        `json:"valid_until,omitempty"`
}

// Result reports what a webhook changed.
type Result struct {
	EventID      string               `json:"event_id"`
	Type         EventType            `json:"type"`
	OrderID      string               `json:"order_id"`
	Entitlements []domain.Entitlement `json:"entitlements,omitempty"`
}

type Service struct {
	secret       []byte
	reservations *reservation.Service
	entitlements *entitlement.Service
	log          *slog.Logger
}

func New(
	secret []byte,
	reservations *reservation.Service,
	entitlements *entitlement.Service,
	log *slog.Logger,
) *Service {
	if log == nil {
		log = slog.Default()
	}

	return &Service{
		secret:       append([]byte(nil), secret...),
		reservations: reservations,
		entitlements: entitlements,
		log:          log,
	}
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	m := hmac.New(sha256.New, secret)
	m.Write(body)
	return signaturePrefix + hex.EncodeToString(m.Sum(nil))
}

// Verify checks the signature header against body in constant time.
func (s *Service) Verify(body []byte, signature string) error {
	const op = "service.payment.Verify"

	if len(s.secret) == 0 || !strings.HasPrefix(signature, signaturePrefix) {
		return fmt.Errorf("%s: %w", op, ErrSignature)
	}

	got, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return fmt.Errorf("%s: %w", op, ErrSignature)
	}

	m := hmac.New(sha256.New, s.secret)
	m.Write(body)
	if !hmac.Equal(m.Sum(nil), got) {
		return fmt.Errorf("%s: %w", op, ErrSignature)
	}

	return nil
}

// Handle verifies and applies a webhook. Replays of the same event are
// safe: settlement of a confirmed reservation only activates, and failures
// of resolved reservations only revoke what is still live.
func (s *Service) Handle(ctx context.Context, body []byte, signature string) (*Result, error) {
	const op = "service.payment.Handle"

	if err := s.Verify(body, signature); err != nil {
		metrics.WebhooksTotal.WithLabelValues("bad_signature").Inc()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil || ev.ReservationID == uuid.Nil {
		metrics.WebhooksTotal.WithLabelValues("bad_payload").Inc()
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidPayload)
	}
	if ev.OrderID == "" {
		ev.OrderID = ev.ReservationID.String()
	}

	var (
		res *Result
		err error
	)
	switch ev.Type {
	case EventSettled:
		res, err = s.settle(ctx, ev)
	case EventFailed, EventCancelled:
		res, err = s.fail(ctx, ev)
	default:
		metrics.WebhooksTotal.WithLabelValues("unsupported").Inc()
		return nil, fmt.Errorf("%s: %w", op, ErrUnsupportedEvent)
	}
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	metrics.WebhooksTotal.WithLabelValues(string(ev.Type)).Inc()
	s.log.Info("payment webhook applied",
		slog.String("event_id", ev.ID),
		slog.String("type", string(ev.Type)),
		slog.String("order_id", ev.OrderID),
		slog.Int("entitlements", len(res.Entitlements)),
	)

	return res, nil
}

func (s *Service) settle(ctx context.Context, ev Event) (*Result, error) {
	in := reservation.ConfirmInput{
		OrderID:          ev.OrderID,
		TicketType:       ev.TicketType,
		ScanCountAllowed: ev.ScanCountAllowed,
		Genders:          ev.Genders,
		CoupleKey:        ev.CoupleKey,
		ClaimSource:      "payment",
		ValidUntil:       ev.ValidUntil,
		Settled:          true,
	}

	out := &Result{EventID: ev.ID, Type: ev.Type, OrderID: ev.OrderID}

	ents, err := s.reservations.Confirm(ctx, ev.ReservationID, in)
	switch {
	case err == nil:
		out.Entitlements = ents
		return out, nil
	case errors.Is(err, reservation.ErrReservationExpired):
		s.log.Warn("payment settled after the hold expired",
			slog.String("reservation_id", ev.ReservationID.String()),
			slog.String("order_id", ev.OrderID),
		)
		return nil, ErrReservationGone
	case !errors.Is(err, reservation.ErrAlreadyResolved):
		return nil, err
	}

	// Confirmed earlier, by the checkout flow or a previous delivery.
	r, err := s.reservations.Get(ctx, ev.ReservationID)
	if err != nil {
		return nil, err
	}
	if r.Status != domain.ReservationConfirmed {
		s.log.Warn("payment settled for a released reservation",
			slog.String("reservation_id", r.ID.String()),
			slog.String("status", string(r.Status)),
		)
		return nil, ErrReservationGone
	}

	ents, err = s.entitlements.Activate(ctx, ev.OrderID)
	if errors.Is(err, entitlement.ErrOrderNotFound) {
		ents, err = s.reservations.IssueConfirmed(ctx, r, in)
	}
	if err != nil {
		return nil, err
	}

	out.Entitlements = ents
	return out, nil
}

func (s *Service) fail(ctx context.Context, ev Event) (*Result, error) {
	out := &Result{EventID: ev.ID, Type: ev.Type, OrderID: ev.OrderID}

	_, err := s.reservations.Cancel(ctx, ev.ReservationID)
	if err != nil &&
		!errors.Is(err, reservation.ErrAlreadyResolved) &&
		!errors.Is(err, reservation.ErrReservationExpired) {
		return nil, err
	}

	revoked, err := s.entitlements.RevokeOrder(ctx, ev.OrderID, string(ev.Type))
	if err != nil {
		return nil, err
	}

	out.Entitlements = revoked
	return out, nil
}
