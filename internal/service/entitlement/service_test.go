package entitlement

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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 6, 12, 18, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	orders []string
}

func (n *recordingNotifier) PublishIssued(ctx context.Context, orderID, eventID, owner string, ids []uuid.UUID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.orders = append(n.orders, orderID)
	return nil
}

type fixture struct {
	svc      *Service
	clock    *clock.Fake
	signer   *credential.Signer
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	signer, err := credential.NewSigner([]byte(strings.Repeat("k", 32)), 30*time.Second, 1)
	require.NoError(t, err)

	clk := clock.NewFake(t0)
	n := &recordingNotifier{}

	return &fixture{
		svc:      New(memory.NewStore(), signer, n, clk, nil, Config{}),
		clock:    clk,
		signer:   signer,
		notifier: n,
	}
}

func paidOrder(orderID string, units int) IssueInput {
	in := IssueInput{
		OrderID:     orderID,
		EventID:     "neon",
		OwnerUserID: "alice",
		TicketType:  domain.TicketPaid,
	}
	for i := 0; i < units; i++ {
		in.Units = append(in.Units, Unit{TierID: "GA"})
	}
	return in
}

func coupleOrder(orderID, owner, key string, g domain.Gender) IssueInput {
	return IssueInput{
		OrderID:     orderID,
		EventID:     "neon",
		OwnerUserID: owner,
		TicketType:  domain.TicketCouple,
		CoupleKey:   key,
		Activate:    true,
		Units:       []Unit{{TierID: "COUPLE", GenderConstraint: g}},
	}
}

func TestIssue_PaidStartsIssuedAndActivates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ents, err := f.svc.Issue(ctx, paidOrder("o1", 2))
	require.NoError(t, err)
	require.Len(t, ents, 2)
	for i, e := range ents {
		assert.Equal(t, domain.EntitlementIssued, e.State)
		assert.Equal(t, i, e.UnitIndex)
		assert.Equal(t, 1, e.ScanCountAllowed)
	}

	active, err := f.svc.Activate(ctx, "o1")
	require.NoError(t, err)
	for _, e := range active {
		assert.Equal(t, domain.EntitlementActive, e.State)
		require.NotNil(t, e.ActivatedAt)
	}

	again, err := f.svc.Activate(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, active, again)
}

func TestIssue_FreeActivatesImmediately(t *testing.T) {
	f := newFixture(t)

	in := paidOrder("o1", 1)
	in.TicketType = domain.TicketFree

	ents, err := f.svc.Issue(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, domain.EntitlementActive, ents[0].State)
}

func TestIssue_IdempotentPerOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.Issue(ctx, paidOrder("o1", 3))
	require.NoError(t, err)

	second, err := f.svc.Issue(ctx, paidOrder("o1", 3))
	require.NoError(t, err)

	require.Len(t, second, 3)
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
	}
	assert.Equal(t, []string{"o1"}, f.notifier.orders)
}

func TestIssue_ConcurrentRetriesIssueOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var wg sync.WaitGroup
	results := make([][]domain.Entitlement, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = f.svc.Issue(ctx, paidOrder("o1", 2))
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		require.Len(t, r, 2)
		assert.Equal(t, results[0][0].ID, r[0].ID)
	}

	all, err := f.svc.ListByOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestIssue_Validation(t *testing.T) {
	f := newFixture(t)

	bad := paidOrder("o1", 0)
	_, err := f.svc.Issue(context.Background(), bad)
	require.ErrorIs(t, err, ErrInvalidInput)

	bad = paidOrder("o1", 1)
	bad.TicketType = "vip"
	_, err = f.svc.Issue(context.Background(), bad)
	require.ErrorIs(t, err, ErrInvalidInput)

	bad = paidOrder("o1", 3)
	bad.TicketType = domain.TicketCouple
	_, err = f.svc.Issue(context.Background(), bad)
	require.ErrorIs(t, err, ErrInvalidInput, "three couple units need an explicit key")
}

func TestIssue_CoupleOrderPairsItself(t *testing.T) {
	f := newFixture(t)

	in := paidOrder("o1", 2)
	in.TicketType = domain.TicketCouple

	ents, err := f.svc.Issue(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, ents, 2)

	require.NotNil(t, ents[0].Metadata.CouplePartnerID)
	require.NotNil(t, ents[1].Metadata.CouplePartnerID)
	assert.Equal(t, ents[1].ID, *ents[0].Metadata.CouplePartnerID)
	assert.Equal(t, ents[0].ID, *ents[1].Metadata.CouplePartnerID)
}

func TestIssue_CoupleRendezvousEitherOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.svc.Issue(ctx, coupleOrder("oa", "alice", "pair-1", domain.GenderFemale))
	require.NoError(t, err)
	assert.Nil(t, a[0].Metadata.CouplePartnerID, "first partner waits")

	b, err := f.svc.Issue(ctx, coupleOrder("ob", "bob", "pair-1", domain.GenderMale))
	require.NoError(t, err)
	require.NotNil(t, b[0].Metadata.CouplePartnerID)
	assert.Equal(t, a[0].ID, *b[0].Metadata.CouplePartnerID)

	a0, err := f.svc.Get(ctx, a[0].ID)
	require.NoError(t, err)
	require.NotNil(t, a0.Metadata.CouplePartnerID)
	assert.Equal(t, b[0].ID, *a0.Metadata.CouplePartnerID)
}

func TestIssue_CoupleRendezvousConcurrent(t *testing.T) {
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		f := newFixture(t)

		var wg sync.WaitGroup
		for _, in := range []IssueInput{
			coupleOrder("oa", "alice", "pair", domain.GenderAny),
			coupleOrder("ob", "bob", "pair", domain.GenderAny),
		} {
			wg.Add(1)
			go func(in IssueInput) {
				defer wg.Done()
				_, err := f.svc.Issue(ctx, in)
				assert.NoError(t, err)
			}(in)
		}
		wg.Wait()

		a, err := f.svc.ListByOrder(ctx, "oa")
		require.NoError(t, err)
		b, err := f.svc.ListByOrder(ctx, "ob")
		require.NoError(t, err)

		require.NotNil(t, a[0].Metadata.CouplePartnerID)
		require.NotNil(t, b[0].Metadata.CouplePartnerID)
		assert.Equal(t, b[0].ID, *a[0].Metadata.CouplePartnerID)
		assert.Equal(t, a[0].ID, *b[0].Metadata.CouplePartnerID)
	}
}

func TestLink_Explicit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.svc.Issue(ctx, coupleOrder("oa", "alice", "k-a", domain.GenderAny))
	require.NoError(t, err)
	b, err := f.svc.Issue(ctx, coupleOrder("ob", "bob", "k-b", domain.GenderAny))
	require.NoError(t, err)

	la, lb, err := f.svc.Link(ctx, a[0].ID, b[0].ID)
	require.NoError(t, err)
	assert.Equal(t, b[0].ID, *la.Metadata.CouplePartnerID)
	assert.Equal(t, a[0].ID, *lb.Metadata.CouplePartnerID)

	c, err := f.svc.Issue(ctx, coupleOrder("oc", "carol", "k-c", domain.GenderAny))
	require.NoError(t, err)
	_, _, err = f.svc.Link(ctx, a[0].ID, c[0].ID)
	require.ErrorIs(t, err, ErrCoupleLinkInvalid, "a is already linked to b")

	p, err := f.svc.Issue(ctx, paidOrder("op", 1))
	require.NoError(t, err)
	_, _, err = f.svc.Link(ctx, c[0].ID, p[0].ID)
	require.ErrorIs(t, err, ErrCoupleLinkInvalid)
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	in := paidOrder("o1", 1)
	in.Activate = true
	ents, err := f.svc.Issue(ctx, in)
	require.NoError(t, err)
	id := ents[0].ID

	before, err := f.svc.Credential(ctx, id, "alice")
	require.NoError(t, err)

	_, err = f.svc.Transfer(ctx, id, "mallory", "bob")
	require.ErrorIs(t, err, ErrNotOwner)

	e, err := f.svc.Transfer(ctx, id, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", e.OwnerUserID)
	require.Len(t, e.Metadata.TransferHistory, 1)
	assert.Equal(t, "alice", e.Metadata.TransferHistory[0].FromUserID)
	assert.Equal(t, uint32(1), e.Generation())

	after, err := f.svc.Credential(ctx, id, "bob")
	require.NoError(t, err)
	assert.NotEqual(t, before.Token, after.Token)
	assert.Equal(t, uint32(1), after.Generation)

	_, err = f.svc.Credential(ctx, id, "alice")
	require.ErrorIs(t, err, ErrNotOwner)
}

func TestTransfer_RejectsIssuedAndUsed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ents, err := f.svc.Issue(ctx, paidOrder("o1", 1))
	require.NoError(t, err)

	_, err = f.svc.Transfer(ctx, ents[0].ID, "alice", "bob")
	require.ErrorIs(t, err, ErrTransferNotAllowed, "ISSUED is not transferable")

	_, err = f.svc.Activate(ctx, "o1")
	require.NoError(t, err)

	_, err = f.svc.repo.Update(ctx, ents[0].ID, func(e *domain.Entitlement) error {
		e.ScanCountUsed = 1
		return nil
	})
	require.NoError(t, err)

	_, err = f.svc.Transfer(ctx, ents[0].ID, "alice", "bob")
	require.ErrorIs(t, err, ErrTransferNotAllowed)

	_, err = f.svc.Transfer(ctx, uuid.New(), "alice", "bob")
	require.ErrorIs(t, err, ErrEntitlementNotFound)
}

func TestRevoke_TerminalIsFinal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ents, err := f.svc.Issue(ctx, paidOrder("o1", 1))
	require.NoError(t, err)

	e, err := f.svc.Revoke(ctx, ents[0].ID, "fraud")
	require.NoError(t, err)
	assert.Equal(t, domain.EntitlementRevoked, e.State)
	assert.Equal(t, "fraud", e.Metadata.RevokeReason)
	require.NotNil(t, e.RevokedAt)

	_, err = f.svc.Revoke(ctx, ents[0].ID, "again")
	require.ErrorIs(t, err, ErrInvalidTransition)

	active, err := f.svc.Activate(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.EntitlementRevoked, active[0].State)

	_, err = f.svc.Credential(ctx, ents[0].ID, "alice")
	require.ErrorIs(t, err, ErrNotScannable)
}

func TestRevokeOrder_SkipsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ents, err := f.svc.Issue(ctx, paidOrder("o1", 2))
	require.NoError(t, err)
	_, err = f.svc.Revoke(ctx, ents[0].ID, "manual")
	require.NoError(t, err)

	revoked, err := f.svc.RevokeOrder(ctx, "o1", "payment_failed")
	require.NoError(t, err)
	require.Len(t, revoked, 1)
	assert.Equal(t, ents[1].ID, revoked[0].ID)
}

func TestExpireSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	until := t0.Add(time.Hour)
	in := paidOrder("o1", 2)
	in.ValidUntil = &until
	_, err := f.svc.Issue(ctx, in)
	require.NoError(t, err)

	_, err = f.svc.Issue(ctx, paidOrder("o2", 1))
	require.NoError(t, err)

	n, err := f.svc.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(time.Hour)

	n, err = f.svc.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ents, err := f.svc.ListByOrder(ctx, "o1")
	require.NoError(t, err)
	for _, e := range ents {
		assert.Equal(t, domain.EntitlementExpired, e.State)
	}

	other, err := f.svc.ListByOrder(ctx, "o2")
	require.NoError(t, err)
	assert.Equal(t, domain.EntitlementIssued, other[0].State)
}

func TestActivate_UnknownOrder(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Activate(context.Background(), "missing")
	require.ErrorIs(t, err, ErrOrderNotFound)
}
