package scan

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kirinyoku/turnstile/internal/clock"
	"github.com/kirinyoku/turnstile/internal/credential"
	"github.com/kirinyoku/turnstile/internal/domain"
	"github.com/kirinyoku/turnstile/internal/repository/memory"
	"github.com/kirinyoku/turnstile/internal/service/entitlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 6, 12, 22, 0, 0, 0, time.UTC)

type countingFlagger struct {
	mu    sync.Mutex
	seen  map[string]int64
	limit int64
}

func (f *countingFlagger) Allow(ctx context.Context, key string) (bool, int64, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seen[key]++
	return f.seen[key] <= f.limit, f.seen[key], 0, nil
}

type fixture struct {
	scan    *Service
	ents    *entitlement.Service
	signer  *credential.Signer
	clock   *clock.Fake
	flagger *countingFlagger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewStore()
	clk := clock.NewFake(t0)

	signer, err := credential.NewSigner([]byte(strings.Repeat("x", 32)), 30*time.Second, 1)
	require.NoError(t, err)

	flagger := &countingFlagger{seen: map[string]int64{}, limit: 2}

	return &fixture{
		scan:    New(store, signer, flagger, clk, nil),
		ents:    entitlement.New(store, signer, nil, clk, nil, entitlement.Config{}),
		signer:  signer,
		clock:   clk,
		flagger: flagger,
	}
}

func (f *fixture) issue(t *testing.T, in entitlement.IssueInput) domain.Entitlement {
	t.Helper()

	if in.OrderID == "" {
		in.OrderID = uuid.NewString()
	}
	if in.EventID == "" {
		in.EventID = "neon"
	}
	if in.OwnerUserID == "" {
		in.OwnerUserID = "alice"
	}
	if in.TicketType == "" {
		in.TicketType = domain.TicketPaid
		in.Activate = true
	}
	if len(in.Units) == 0 {
		in.Units = []entitlement.Unit{{TierID: "GA"}}
	}

	ents, err := f.ents.Issue(context.Background(), in)
	require.NoError(t, err)
	return ents[0]
}

func (f *fixture) credential(t *testing.T, e domain.Entitlement) string {
	t.Helper()

	c, err := f.ents.Credential(context.Background(), e.ID, "")
	require.NoError(t, err)
	return c.Token
}

func (f *fixture) door(t *testing.T, token string, g domain.Gender) *domain.ScanOutcome {
	t.Helper()

	out, err := f.scan.Scan(context.Background(), Input{
		Credential:     token,
		EventID:        "neon",
		ScannerID:      "door-1",
		AttendeeGender: g,
	})
	require.NoError(t, err)
	return out
}

func requireDenied(t *testing.T, out *domain.ScanOutcome, reason domain.ReasonCode) {
	t.Helper()

	require.Equal(t, domain.ScanDenied, out.Result)
	require.Equal(t, reason, out.ReasonCode)
	require.Nil(t, out.Entitlement)
}

func TestScan_GrantThenReplay(t *testing.T) {
	f := newFixture(t)
	e := f.issue(t, entitlement.IssueInput{})
	token := f.credential(t, e)

	first := f.door(t, token, "")
	require.Equal(t, domain.ScanGranted, first.Result)
	assert.Equal(t, domain.EntitlementActive, first.PriorState)
	require.NotNil(t, first.Entitlement)
	assert.Equal(t, domain.EntitlementConsumed, first.Entitlement.State)
	assert.Equal(t, 1, first.Entitlement.ScanCountUsed)

	replay := f.door(t, token, "")
	requireDenied(t, replay, domain.ReasonAlreadyConsumed)
	assert.Equal(t, domain.EntitlementConsumed, replay.PriorState)

	history, err := f.scan.History(context.Background(), e.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.ScanGranted, history[0].Result)
	assert.Equal(t, domain.ScanDenied, history[1].Result)
	assert.Equal(t, credential.Hash(token), history[1].CredentialHash)
}

func TestScan_CredentialFailures(t *testing.T) {
	f := newFixture(t)
	e := f.issue(t, entitlement.IssueInput{})
	token := f.credential(t, e)

	requireDenied(t, f.door(t, "not a credential", ""), domain.ReasonInvalidQR)

	other, err := credential.NewSigner([]byte(strings.Repeat("y", 32)), 30*time.Second, 1)
	require.NoError(t, err)
	forged, err := other.Mint(e.ID, 0, f.clock.Now())
	require.NoError(t, err)
	requireDenied(t, f.door(t, forged, ""), domain.ReasonSignatureInvalid)

	ghost, err := f.signer.Mint(uuid.New(), 0, f.clock.Now())
	require.NoError(t, err)
	requireDenied(t, f.door(t, ghost, ""), domain.ReasonEntitlementNotFound)

	f.clock.Advance(5 * time.Minute)
	requireDenied(t, f.door(t, token, ""), domain.ReasonStaleQR)

	ledger, err := f.scan.EventLedger(context.Background(), "neon", 10)
	require.NoError(t, err)
	require.Len(t, ledger, 4)
	assert.Equal(t, domain.ReasonStaleQR, ledger[0].ReasonCode, "newest first")
	require.NotNil(t, ledger[0].EntitlementID)
	assert.Equal(t, e.ID, *ledger[0].EntitlementID)
	assert.Nil(t, ledger[3].EntitlementID)

	fresh := f.credential(t, e)
	assert.Equal(t, domain.ScanGranted, f.door(t, fresh, "").Result)
}

func TestScan_NotActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	issued := f.issue(t, entitlement.IssueInput{TicketType: domain.TicketPaid})
	out := f.door(t, f.credential(t, issued), "")
	requireDenied(t, out, domain.ReasonEntitlementNotActive)
	assert.Equal(t, domain.EntitlementIssued, out.PriorState)

	revoked := f.issue(t, entitlement.IssueInput{})
	token := f.credential(t, revoked)
	_, err := f.ents.Revoke(ctx, revoked.ID, "chargeback")
	require.NoError(t, err)

	out = f.door(t, token, "")
	requireDenied(t, out, domain.ReasonEntitlementNotActive)
	assert.Equal(t, domain.EntitlementRevoked, out.PriorState)
}

func TestScan_PastValidUntilExpires(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	until := t0.Add(10 * time.Second)
	lapsing := f.issue(t, entitlement.IssueInput{ValidUntil: &until})
	pending := f.issue(t, entitlement.IssueInput{TicketType: domain.TicketPaid, ValidUntil: &until})
	later := t0.Add(time.Hour)
	fresh := f.issue(t, entitlement.IssueInput{ValidUntil: &later})

	lapsingToken := f.credential(t, lapsing)
	pendingToken := f.credential(t, pending)
	freshToken := f.credential(t, fresh)

	f.clock.Advance(10 * time.Second)

	out := f.door(t, lapsingToken, "")
	requireDenied(t, out, domain.ReasonEntitlementNotActive)
	assert.Equal(t, domain.EntitlementExpired, out.PriorState)

	got, err := f.ents.Get(ctx, lapsing.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EntitlementExpired, got.State)
	assert.Zero(t, got.ScanCountUsed)

	again := f.door(t, lapsingToken, "")
	requireDenied(t, again, domain.ReasonEntitlementNotActive)
	assert.Equal(t, domain.EntitlementExpired, again.PriorState)

	out = f.door(t, pendingToken, "")
	requireDenied(t, out, domain.ReasonEntitlementNotActive)
	assert.Equal(t, domain.EntitlementExpired, out.PriorState)

	assert.Equal(t, domain.ScanGranted, f.door(t, freshToken, "").Result)

	history, err := f.scan.History(ctx, lapsing.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestScan_EventMismatch(t *testing.T) {
	f := newFixture(t)
	e := f.issue(t, entitlement.IssueInput{EventID: "jazz"})

	requireDenied(t, f.door(t, f.credential(t, e), ""), domain.ReasonEventMismatch)

	got, err := f.ents.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ScanCountUsed, "denials never consume")
}

func TestScan_GenderConstraint(t *testing.T) {
	f := newFixture(t)
	e := f.issue(t, entitlement.IssueInput{
		Units: []entitlement.Unit{{TierID: "LADIES", GenderConstraint: domain.GenderFemale}},
	})
	token := f.credential(t, e)

	requireDenied(t, f.door(t, token, domain.GenderMale), domain.ReasonGenderMismatch)
	requireDenied(t, f.door(t, token, ""), domain.ReasonGenderMismatch)
	assert.Equal(t, domain.ScanGranted, f.door(t, token, domain.GenderFemale).Result)
}

func TestScan_CoupleNeedsPartner(t *testing.T) {
	f := newFixture(t)

	couple := func(owner string, g domain.Gender) entitlement.IssueInput {
		return entitlement.IssueInput{
			OwnerUserID: owner,
			TicketType:  domain.TicketCouple,
			CoupleKey:   "date-night",
			Activate:    true,
			Units:       []entitlement.Unit{{TierID: "COUPLE", GenderConstraint: g}},
		}
	}

	her := f.issue(t, couple("alice", domain.GenderFemale))
	herToken := f.credential(t, her)
	requireDenied(t, f.door(t, herToken, domain.GenderFemale), domain.ReasonCoupleIncomplete)

	him := f.issue(t, couple("bob", domain.GenderMale))

	assert.Equal(t, domain.ScanGranted, f.door(t, herToken, domain.GenderFemale).Result)
	requireDenied(t, f.door(t, f.credential(t, him), domain.GenderFemale), domain.ReasonGenderMismatch)
	assert.Equal(t, domain.ScanGranted, f.door(t, f.credential(t, him), domain.GenderMale).Result)
}

func TestScan_ConcurrentMultiUse(t *testing.T) {
	f := newFixture(t)
	e := f.issue(t, entitlement.IssueInput{ScanCountAllowed: 3})
	token := f.credential(t, e)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		denied  int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.scan.Scan(context.Background(), Input{Credential: token, EventID: "neon", ScannerID: "door-2"})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if out.Result == domain.ScanGranted {
				granted++
				return
			}
			denied++
			assert.Equal(t, domain.ReasonAlreadyConsumed, out.ReasonCode)
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, granted)
	assert.Equal(t, 9, denied)

	got, err := f.ents.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.ScanCountUsed)
	assert.Equal(t, domain.EntitlementConsumed, got.State)

	history, err := f.scan.History(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Len(t, history, 12)
}

func TestScan_TransferInvalidatesOldCredential(t *testing.T) {
	f := newFixture(t)
	e := f.issue(t, entitlement.IssueInput{})
	old := f.credential(t, e)

	_, err := f.ents.Transfer(context.Background(), e.ID, "alice", "bob")
	require.NoError(t, err)

	requireDenied(t, f.door(t, old, ""), domain.ReasonStaleQR)

	fresh, err := f.ents.Credential(context.Background(), e.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.ScanGranted, f.door(t, fresh.Token, "").Result)
}

func TestScan_FlagsRepeatedDenials(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		f.door(t, "garbage", "")
	}

	f.flagger.mu.Lock()
	defer f.flagger.mu.Unlock()
	assert.Equal(t, int64(3), f.flagger.seen[credential.Hash("garbage")])
}

func TestScan_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.scan.Scan(context.Background(), Input{Credential: "x", ScannerID: "door-1"})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.scan.History(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrEntitlementNotFound)
}
