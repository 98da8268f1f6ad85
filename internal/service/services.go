package service

import (
	"log/slog"

	"github.com/kirinyoku/turnstile/internal/clock"
	"github.com/kirinyoku/turnstile/internal/credential"
	"github.com/kirinyoku/turnstile/internal/repository"
	"github.com/kirinyoku/turnstile/internal/service/admission"
	"github.com/kirinyoku/turnstile/internal/service/entitlement"
	"github.com/kirinyoku/turnstile/internal/service/inventory"
	"github.com/kirinyoku/turnstile/internal/service/payment"
	"github.com/kirinyoku/turnstile/internal/service/reservation"
	"github.com/kirinyoku/turnstile/internal/service/scan"
)

type Services struct {
	Inventory   *inventory.Service
	Admission   *admission.Service
	Reservation *reservation.Service
	Entitlement *entitlement.Service
	Scan        *scan.Service
	Payment     *payment.Service
}

type Config struct {
	Admission     admission.Config
	Reservation   reservation.Config
	Entitlement   entitlement.Config
	WebhookSecret []byte
}

// Deps are the collaborators shared by the services. Optional ones are left
// nil when the backing infrastructure is not configured.
type Deps struct {
	Store  repository.Store
	Signer *credential.Signer
	Clock  clock.Clock
	Log    *slog.Logger

	Cache         inventory.AvailabilityCache
	SurgeCounter  admission.RateCounter
	CreateLimiter reservation.Limiter
	ScanFlagger   scan.Flagger
	Notifier      entitlement.Notifier
}

func NewServices(d Deps, cfg Config) *Services {
	inv := inventory.New(d.Store, d.Cache, d.Log)
	adm := admission.New(d.Store, d.SurgeCounter, d.Clock, d.Log, cfg.Admission)
	ents := entitlement.New(d.Store, d.Signer, d.Notifier, d.Clock, d.Log, cfg.Entitlement)
	res := reservation.New(d.Store, inv, adm, ents, d.CreateLimiter, d.Clock, d.Log, cfg.Reservation)

	return &Services{
		Inventory:   inv,
		Admission:   adm,
		Reservation: res,
		Entitlement: ents,
		Scan:        scan.New(d.Store, d.Signer, d.ScanFlagger, d.Clock, d.Log),
		Payment:     payment.New(cfg.WebhookSecret, res, ents, d.Log),
	}
}
