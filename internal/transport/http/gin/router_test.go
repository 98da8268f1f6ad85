package httpgin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kirinyoku/turnstile/internal/clock"
	"github.com/kirinyoku/turnstile/internal/credential"
	"github.com/kirinyoku/turnstile/internal/domain"
	"github.com/kirinyoku/turnstile/internal/repository/memory"
	"github.com/kirinyoku/turnstile/internal/service"
	"github.com/kirinyoku/turnstile/internal/service/entitlement"
	"github.com/kirinyoku/turnstile/internal/service/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminToken = "admin-secret"

var (
	t0            = time.Date(2026, 6, 12, 21, 0, 0, 0, time.UTC)
	webhookSecret = []byte("whsec_neon_nights")
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memIdempotency struct {
	mu      sync.Mutex
	locks   map[string]bool
	results map[string]string
}

func newMemIdempotency() *memIdempotency {
	return &memIdempotency{locks: map[string]bool{}, results: map[string]string{}}
}

func (m *memIdempotency) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] {
		return false, nil
	}
	m.locks[key] = true
	return true, nil
}

func (m *memIdempotency) SaveResult(ctx context.Context, key, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[key] = payload
	return nil
}

func (m *memIdempotency) GetResult(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.results[key]
	return v, ok, nil
}

func (m *memIdempotency) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}

type harness struct {
	router *gin.Engine
	clock  *clock.Fake
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	signer, err := credential.NewSigner([]byte(strings.Repeat("n", 32)), 30*time.Second, 1)
	require.NoError(t, err)

	clk := clock.NewFake(t0)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	svcs := service.NewServices(service.Deps{
		Store:  memory.NewStore(),
		Signer: signer,
		Clock:  clk,
		Log:    log,
	}, service.Config{WebhookSecret: webhookSecret})

	return &harness{
		router: NewRouter(svcs, newMemIdempotency(), log, RouterConfig{AdminToken: adminToken}),
		clock:  clk,
	}
}

func (h *harness) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		r = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func (h *harness) admin(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return h.do(t, method, path, body, "Authorization", "Bearer "+adminToken)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func requireCode(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()

	require.Equal(t, status, w.Code, w.Body.String())
	assert.Equal(t, code, decode[ErrorResponse](t, w).Code)
}

func (h *harness) scanAtDoor(t *testing.T, token string) domain.ScanOutcome {
	t.Helper()

	w := h.do(t, http.MethodPost, "/scan", ScanRequest{Credential: token, EventID: "neon", ScannerID: "door-a"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[domain.ScanOutcome](t, w)
}

func (h *harness) credential(t *testing.T, id uuid.UUID, owner string) string {
	t.Helper()

	w := h.do(t, http.MethodGet, "/entitlements/"+id.String()+"/credential?user_id="+owner, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[entitlement.Credential](t, w).Token
}

func TestNeonNights_EndToEnd(t *testing.T) {
	h := newHarness(t)

	// Capacity is admin only.
	w := h.do(t, http.MethodPut, "/admin/events/neon/tiers/GA", gin.H{"capacity": 2})
	requireCode(t, w, http.StatusUnauthorized, "UNAUTHORIZED")

	w = h.admin(t, http.MethodPut, "/admin/events/neon/tiers/GA", gin.H{"capacity": 2})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Quiet night: joining admits straight away.
	w = h.do(t, http.MethodPost, "/queue/join", JoinQueueRequest{EventID: "neon", UserID: "alice", DeviceID: "phone"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	entry := decode[domain.QueueEntry](t, w)
	assert.Equal(t, domain.QueueCalled, entry.State)

	w = h.do(t, http.MethodPost, "/reservations", CreateReservationRequest{
		EventID:      "neon",
		UserID:       "alice",
		Items:        []TierItemInput{{TierID: "GA", Qty: 2}},
		TTLSec:       120,
		QueueEntryID: entry.ID.String(),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decode[domain.Reservation](t, w)

	// Sold out for everyone else.
	w = h.do(t, http.MethodPost, "/reservations", CreateReservationRequest{
		EventID: "neon",
		UserID:  "bob",
		Items:   []TierItemInput{{TierID: "GA", Qty: 1}},
	})
	requireCode(t, w, http.StatusConflict, "CAPACITY_EXCEEDED")
	assert.Equal(t, "GA", decode[ErrorResponse](t, w).TierID)

	w = h.do(t, http.MethodGet, "/events/neon/inventory", nil)
	require.Equal(t, http.StatusOK, w.Code)
	counters := decode[[]domain.InventoryCounter](t, w)
	require.Len(t, counters, 1)
	assert.Equal(t, int64(2), counters[0].Held)

	etag := w.Header().Get("ETag")
	require.NotEmpty(t, etag)
	w = h.do(t, http.MethodGet, "/events/neon/inventory", nil, "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, w.Code)

	// Checkout confirms; tickets wait for settlement.
	w = h.do(t, http.MethodPost, "/reservations/"+res.ID.String()+"/confirm", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	confirmed := decode[ConfirmReservationResponse](t, w)
	require.Len(t, confirmed.Entitlements, 2)
	first, second := confirmed.Entitlements[0], confirmed.Entitlements[1]
	assert.Equal(t, domain.EntitlementIssued, first.State)

	w = h.do(t, http.MethodPost, "/reservations/"+res.ID.String()+"/confirm", nil)
	requireCode(t, w, http.StatusConflict, "RESERVATION_ALREADY_RESOLVED")

	early := h.scanAtDoor(t, h.credential(t, first.ID, "alice"))
	assert.Equal(t, domain.ScanDenied, early.Result)
	assert.Equal(t, domain.ReasonEntitlementNotActive, early.ReasonCode)
	assert.Equal(t, domain.EntitlementIssued, early.PriorState)

	// Payment settles through the signed webhook.
	body, err := json.Marshal(payment.Event{ID: "evt_1", Type: payment.EventSettled, ReservationID: res.ID})
	require.NoError(t, err)

	w = h.do(t, http.MethodPost, "/payments/webhook", body)
	requireCode(t, w, http.StatusUnauthorized, "SIGNATURE_INVALID")

	w = h.do(t, http.MethodPost, "/payments/webhook", body, payment.SignatureHeader, payment.Sign(webhookSecret, body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	settled := decode[payment.Result](t, w)
	require.Len(t, settled.Entitlements, 2)
	assert.Equal(t, domain.EntitlementActive, settled.Entitlements[0].State)

	// At the door.
	token := h.credential(t, first.ID, "alice")
	granted := h.scanAtDoor(t, token)
	require.Equal(t, domain.ScanGranted, granted.Result)
	require.NotNil(t, granted.Entitlement)
	assert.Equal(t, domain.EntitlementConsumed, granted.Entitlement.State)

	replay := h.scanAtDoor(t, token)
	assert.Equal(t, domain.ScanDenied, replay.Result)
	assert.Equal(t, domain.ReasonAlreadyConsumed, replay.ReasonCode)

	// The second ticket goes to a friend; the used one cannot.
	oldToken := h.credential(t, second.ID, "alice")

	w = h.do(t, http.MethodPost, "/entitlements/"+second.ID.String()+"/transfer", TransferRequest{FromUserID: "alice", ToUserID: "bob"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "bob", decode[domain.Entitlement](t, w).OwnerUserID)

	w = h.do(t, http.MethodPost, "/entitlements/"+first.ID.String()+"/transfer", TransferRequest{FromUserID: "alice", ToUserID: "carol"})
	requireCode(t, w, http.StatusConflict, "TRANSFER_NOT_ALLOWED")

	w = h.do(t, http.MethodGet, "/entitlements/"+second.ID.String()+"/credential?user_id=alice", nil)
	requireCode(t, w, http.StatusForbidden, "NOT_OWNER")

	stale := h.scanAtDoor(t, oldToken)
	assert.Equal(t, domain.ReasonStaleQR, stale.ReasonCode)

	assert.Equal(t, domain.ScanGranted, h.scanAtDoor(t, h.credential(t, second.ID, "bob")).Result)

	// Audit.
	w = h.do(t, http.MethodGet, "/entitlements/"+first.ID.String()+"/scans", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]domain.ScanLedgerEntry](t, w), 3)

	w = h.admin(t, http.MethodGet, "/admin/events/neon/scans?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	ledger := decode[[]domain.ScanLedgerEntry](t, w)
	require.Len(t, ledger, 2)
	assert.Equal(t, domain.ScanGranted, ledger[0].Result)

	w = h.admin(t, http.MethodGet, "/admin/events/neon/surge", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.SurgeNormal, decode[domain.SurgeInfo](t, w).State)
}

func TestReservation_ExpiredConfirmIsGone(t *testing.T) {
	h := newHarness(t)

	w := h.admin(t, http.MethodPut, "/admin/events/neon/tiers/GA", gin.H{"capacity": 5})
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodPost, "/reservations", CreateReservationRequest{
		EventID: "neon",
		UserID:  "alice",
		Items:   []TierItemInput{{TierID: "GA", Qty: 1}},
		TTLSec:  60,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decode[domain.Reservation](t, w)

	h.clock.Advance(61 * time.Second)

	w = h.do(t, http.MethodPost, "/reservations/"+res.ID.String()+"/confirm", nil)
	requireCode(t, w, http.StatusGone, "RESERVATION_EXPIRED")

	w = h.do(t, http.MethodGet, "/reservations/"+uuid.NewString(), nil)
	requireCode(t, w, http.StatusNotFound, "RESERVATION_NOT_FOUND")

	w = h.do(t, http.MethodGet, "/reservations/not-a-uuid", nil)
	requireCode(t, w, http.StatusBadRequest, "INVALID_INPUT")
}

func TestReservation_OneSecondHoldExpiresAndFreesUnits(t *testing.T) {
	h := newHarness(t)

	w := h.admin(t, http.MethodPut, "/admin/events/neon/tiers/GA", gin.H{"capacity": 1})
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodPost, "/reservations", CreateReservationRequest{
		EventID: "neon",
		UserID:  "alice",
		Items:   []TierItemInput{{TierID: "GA", Qty: 1}},
		TTLSec:  1,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decode[domain.Reservation](t, w)
	assert.Equal(t, t0.Add(time.Second), res.ExpiresAt)

	h.clock.Advance(2 * time.Second)

	w = h.do(t, http.MethodPost, "/reservations/"+res.ID.String()+"/confirm", nil)
	requireCode(t, w, http.StatusGone, "RESERVATION_EXPIRED")

	w = h.do(t, http.MethodGet, "/events/neon/inventory", nil)
	require.Equal(t, http.StatusOK, w.Code)
	counters := decode[[]domain.InventoryCounter](t, w)
	require.Len(t, counters, 1)
	assert.Zero(t, counters[0].Held)
	assert.Zero(t, counters[0].Sold)

	w = h.do(t, http.MethodGet, "/reservations/"+res.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.ReservationExpired, decode[domain.Reservation](t, w).Status)

	// The freed unit is immediately bookable again.
	w = h.do(t, http.MethodPost, "/reservations", CreateReservationRequest{
		EventID: "neon",
		UserID:  "bob",
		Items:   []TierItemInput{{TierID: "GA", Qty: 1}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestConfirmReservation_IgnoresBuyerTicketTerms(t *testing.T) {
	h := newHarness(t)

	w := h.admin(t, http.MethodPut, "/admin/events/neon/tiers/GA", gin.H{"capacity": 2})
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodPost, "/reservations", CreateReservationRequest{
		EventID: "neon",
		UserID:  "mallory",
		Items:   []TierItemInput{{TierID: "GA", Qty: 1}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decode[domain.Reservation](t, w)

	w = h.do(t, http.MethodPost, "/reservations/"+res.ID.String()+"/confirm", gin.H{
		"order_id":           "someone-elses-order",
		"ticket_type":        "free",
		"scan_count_allowed": 50,
		"valid_until":        t0.Add(365 * 24 * time.Hour),
		"claim_source":       "web",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	confirmed := decode[ConfirmReservationResponse](t, w)
	assert.Equal(t, res.ID.String(), confirmed.OrderID)
	require.Len(t, confirmed.Entitlements, 1)

	e := confirmed.Entitlements[0]
	assert.Equal(t, domain.TicketPaid, e.TicketType)
	assert.Equal(t, domain.EntitlementIssued, e.State)
	assert.Equal(t, 1, e.ScanCountAllowed)
	assert.Nil(t, e.ValidUntil)
	assert.Equal(t, res.ID.String(), e.OrderID)

	out := h.scanAtDoor(t, h.credential(t, e.ID, "mallory"))
	assert.Equal(t, domain.ScanDenied, out.Result)
	assert.Equal(t, domain.ReasonEntitlementNotActive, out.ReasonCode)
	assert.Equal(t, domain.EntitlementIssued, out.PriorState)
}

func TestEntitlementAdminRoutes_RequireToken(t *testing.T) {
	h := newHarness(t)

	w := h.admin(t, http.MethodPut, "/admin/events/neon/tiers/GA", gin.H{"capacity": 2})
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodPost, "/reservations", CreateReservationRequest{
		EventID: "neon",
		UserID:  "alice",
		Items:   []TierItemInput{{TierID: "GA", Qty: 1}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decode[domain.Reservation](t, w)

	w = h.do(t, http.MethodPost, "/reservations/"+res.ID.String()+"/confirm", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ent := decode[ConfirmReservationResponse](t, w).Entitlements[0]

	revokePath := "/admin/entitlements/" + ent.ID.String() + "/revoke"
	link := LinkRequest{A: ent.ID.String(), B: uuid.NewString()}

	w = h.do(t, http.MethodPost, revokePath, RevokeRequest{Reason: "chargeback"})
	requireCode(t, w, http.StatusUnauthorized, "UNAUTHORIZED")

	w = h.do(t, http.MethodPost, revokePath, RevokeRequest{Reason: "chargeback"}, "Authorization", "Bearer wrong")
	requireCode(t, w, http.StatusUnauthorized, "UNAUTHORIZED")

	w = h.do(t, http.MethodPost, "/admin/entitlements/link", link)
	requireCode(t, w, http.StatusUnauthorized, "UNAUTHORIZED")

	// The old public paths are gone.
	w = h.do(t, http.MethodPost, "/entitlements/"+ent.ID.String()+"/revoke", RevokeRequest{Reason: "chargeback"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodPost, "/entitlements/link", link)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodGet, "/entitlements/"+ent.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.EntitlementIssued, decode[domain.Entitlement](t, w).State)

	w = h.admin(t, http.MethodPost, "/admin/entitlements/link", link)
	requireCode(t, w, http.StatusNotFound, "ENTITLEMENT_NOT_FOUND")

	w = h.admin(t, http.MethodPost, revokePath, RevokeRequest{Reason: "chargeback"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.EntitlementRevoked, decode[domain.Entitlement](t, w).State)
}

func TestCreateReservation_IdempotencyKeyReplays(t *testing.T) {
	h := newHarness(t)

	w := h.admin(t, http.MethodPut, "/admin/events/neon/tiers/GA", gin.H{"capacity": 5})
	require.Equal(t, http.StatusOK, w.Code)

	req := CreateReservationRequest{
		EventID: "neon",
		UserID:  "alice",
		Items:   []TierItemInput{{TierID: "GA", Qty: 2}},
	}

	first := h.do(t, http.MethodPost, "/reservations", req, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	again := h.do(t, http.MethodPost, "/reservations", req, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, again.Code)
	assert.Equal(t, "k-1", again.Header().Get("Idempotency-Key"))
	assert.Equal(t,
		decode[domain.Reservation](t, first).ID,
		decode[domain.Reservation](t, again).ID,
	)

	w = h.do(t, http.MethodGet, "/events/neon/inventory", nil)
	counters := decode[[]domain.InventoryCounter](t, w)
	require.Len(t, counters, 1)
	assert.Equal(t, int64(2), counters[0].Held, "the replay holds nothing")
}

func TestRouter_Validation(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/reservations", gin.H{"event_id": "neon"})
	requireCode(t, w, http.StatusBadRequest, "INVALID_INPUT")

	w = h.do(t, http.MethodPost, "/scan", gin.H{"credential": "x"})
	requireCode(t, w, http.StatusBadRequest, "INVALID_INPUT")

	w = h.admin(t, http.MethodPut, "/admin/events/neon/tiers/GA", gin.H{"capacity": -1})
	requireCode(t, w, http.StatusBadRequest, "INVALID_INPUT")

	w = h.do(t, http.MethodGet, "/queue/"+uuid.NewString()+"/status", nil)
	requireCode(t, w, http.StatusNotFound, "QUEUE_ENTRY_NOT_FOUND")

	w = h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
