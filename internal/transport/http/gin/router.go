package httpgin

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kirinyoku/turnstile/internal/domain"
	redisrepo "github.com/kirinyoku/turnstile/internal/repository/redis"
	"github.com/kirinyoku/turnstile/internal/service"
	"github.com/kirinyoku/turnstile/internal/service/payment"
	"github.com/kirinyoku/turnstile/internal/service/reservation"
	"github.com/kirinyoku/turnstile/internal/service/scan"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// Idempotency stores the outcome of requests carrying an Idempotency-Key.
type Idempotency interface {
	AcquireLock(ctx context.Context, key string, lockTTL time.Duration) (bool, error)
	SaveResult(ctx context.Context, key string, jsonPayload string) error
	GetResult(ctx context.Context, key string) (string, bool, error)
	Release(ctx context.Context, key string) error
}

type RouterConfig struct {
	// AdminToken guards /admin. Empty disables the admin API.
	AdminToken string
	// MaxWebhookBytes caps the payment webhook body.
	MaxWebhookBytes int64
}

// NewRouter builds the HTTP API. idem may be nil, in which case
// Idempotency-Key headers are ignored.
func NewRouter(
	svcs *service.Services,
	idem Idempotency,
	logger *slog.Logger,
	cfg RouterConfig,
	middlewares ...gin.HandlerFunc,
) *gin.Engine {
	if cfg.MaxWebhookBytes <= 0 {
		cfg.MaxWebhookBytes = 64 << 10
	}

	r := gin.New()

	r.Use(gin.Recovery(), LoggingMiddleware(logger), RequestIDMiddleware(), MetricsMiddleware(), CORS())
	for _, m := range middlewares {
		if m != nil {
			r.Use(m)
		}
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/queue/join", handleJoinQueue(svcs))
	r.GET("/queue/:id/status", handleQueueStatus(svcs))

	r.POST("/reservations", handleCreateReservation(svcs, idem))
	r.GET("/reservations/:id", handleGetReservation(svcs))
	r.POST("/reservations/:id/confirm", handleConfirmReservation(svcs))
	r.POST("/reservations/:id/cancel", handleCancelReservation(svcs))

	r.POST("/scan", handleScan(svcs))

	r.GET("/entitlements/:id", handleGetEntitlement(svcs))
	r.GET("/entitlements/:id/credential", handleGetCredential(svcs))
	r.GET("/entitlements/:id/scans", handleEntitlementScans(svcs))
	r.POST("/entitlements/:id/transfer", handleTransfer(svcs))

	r.GET("/events/:id/inventory", handleGetInventory(svcs))

	r.POST("/payments/webhook", handlePaymentWebhook(svcs, cfg.MaxWebhookBytes))

	admin := r.Group("/admin", AdminAuth(cfg.AdminToken))
	{
		admin.PUT("/events/:id/tiers/:tier", handleConfigureTier(svcs))
		admin.GET("/events/:id/surge", handleGetSurge(svcs))
		admin.POST("/events/:id/surge/reset", handleResetSurge(svcs))
		admin.GET("/events/:id/scans", handleEventScans(svcs))
		admin.POST("/entitlements/:id/revoke", handleRevoke(svcs))
		admin.POST("/entitlements/link", handleLinkEntitlements(svcs))
	}

	return r
}

// @Summary  Join the event queue
// @Param    req body  JoinQueueRequest true "payload"
// @Success  201 {object} domain.QueueEntry
// @Failure  400 {object} ErrorResponse
// @Router   /queue/join [post]
func handleJoinQueue(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req JoinQueueRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		e, err := svcs.Admission.Join(c.Request.Context(), req.EventID, req.UserID, req.DeviceID)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusCreated, e)
	}
}

// @Summary  Queue position and estimated wait
// @Param    id  path  string  true  "Queue entry ID (uuid)"
// @Success  200 {object} domain.QueueStatus
// @Failure  404 {object} ErrorResponse
// @Router   /queue/{id}/status [get]
func handleQueueStatus(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}

		st, err := svcs.Admission.Status(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}

		writeJSONWithCache(c, http.StatusOK, st, "no-cache", true)
	}
}

// @Summary  Create reservation (idempotent)
// @Param    req body  CreateReservationRequest true "payload"
// @Header   201 {string} Idempotency-Key "echo"
// @Success  201 {object} domain.Reservation
// @Failure  400 {object} ErrorResponse
// @Failure  403 {object} ErrorResponse "queue required"
// @Failure  409 {object} ErrorResponse "capacity exceeded / idem in progress"
// @Failure  429 {object} ErrorResponse "rate limited"
// @Router   /reservations [post]
func handleCreateReservation(svcs *service.Services, idem Idempotency) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateReservationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		idemKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
		var idemStorageKey string
		if idem != nil && idemKey != "" {
			idemStorageKey = redisrepo.KeyIdemReservation(req.UserID, idemKey)

			if payload, ok, _ := idem.GetResult(c.Request.Context(), idemStorageKey); ok {
				replay(c, idemKey, payload)
				return
			}

			locked, err := idem.AcquireLock(c.Request.Context(), idemStorageKey, 60*time.Second)
			if err != nil {
				respondErr(c, err)
				return
			}
			if !locked {
				if payload, ok, _ := idem.GetResult(c.Request.Context(), idemStorageKey); ok {
					replay(c, idemKey, payload)
					return
				}
				c.Header("Retry-After", "1")
				c.JSON(http.StatusConflict, ErrorResponse{
					Error: "idempotency key in progress",
					Code:  "IDEMPOTENCY_IN_PROGRESS",
				})
				return
			}
		}

		in := reservation.CreateInput{
			EventID: req.EventID,
			UserID:  req.UserID,
			TTL:     time.Duration(req.TTLSec) * time.Second,
			RateKey: "ip:" + c.ClientIP(),
		}
		for _, it := range req.Items {
			in.Items = append(in.Items, domain.TierItem{TierID: it.TierID, Qty: it.Qty})
		}
		if req.QueueEntryID != "" {
			id := uuid.MustParse(req.QueueEntryID)
			in.QueueEntryID = &id
		}

		res, err := svcs.Reservation.Create(c.Request.Context(), in)
		if err != nil {
			if idemStorageKey != "" {
				_ = idem.Release(context.WithoutCancel(c.Request.Context()), idemStorageKey)
			}
			respondErr(c, err)
			return
		}

		if idemStorageKey != "" {
			b, _ := json.Marshal(res)
			_ = idem.SaveResult(c.Request.Context(), idemStorageKey, string(b))
			c.Header("Idempotency-Key", idemKey)
		}

		c.JSON(http.StatusCreated, res)
	}
}

func replay(c *gin.Context, idemKey, payload string) {
	c.Header("Idempotency-Key", idemKey)
	c.Data(http.StatusCreated, "application/json; charset=utf-8", []byte(payload))
}

// @Summary  Get reservation
// @Param    id  path  string  true  "Reservation ID (uuid)"
// @Success  200 {object} domain.Reservation
// @Failure  404 {object} ErrorResponse
// @Router   /reservations/{id} [get]
func handleGetReservation(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}

		res, err := svcs.Reservation.Get(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, res)
	}
}

// @Summary      Confirm reservation and issue entitlements
// @Description  Issues paid entitlements in ISSUED state, keyed by the reservation id as order id. They activate when the payment webhook settles the order.
// @Param        id  path  string  true  "Reservation ID (uuid)"
// @Param        req body  ConfirmReservationRequest false "payload"
// @Success      201 {object} ConfirmReservationResponse
// @Failure      409 {object} ErrorResponse "already resolved"
// @Failure      410 {object} ErrorResponse "expired"
// @Router       /reservations/{id}/confirm [post]
func handleConfirmReservation(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}

		var req ConfirmReservationRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, err.Error())
				return
			}
		}

		orderID := id.String()

		ents, err := svcs.Reservation.Confirm(c.Request.Context(), id, reservation.ConfirmInput{
			OrderID:     orderID,
			TicketType:  domain.TicketPaid,
			ClaimSource: req.ClaimSource,
		})
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusCreated, ConfirmReservationResponse{
			ReservationID: id.String(),
			OrderID:       orderID,
			Entitlements:  ents,
		})
	}
}

// @Summary  Cancel reservation
// @Param    id  path  string  true  "Reservation ID (uuid)"
// @Success  200 {object} domain.Reservation
// @Failure  409 {object} ErrorResponse
// @Router   /reservations/{id}/cancel [post]
func handleCancelReservation(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}

		res, err := svcs.Reservation.Cancel(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, res)
	}
}

// @Summary  Validate a credential at the door
// @Description Denials are 200 with result DENIED and a reason code.
// @Param    req body  ScanRequest true "payload"
// @Success  200 {object} domain.ScanOutcome
// @Router   /scan [post]
func handleScan(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ScanRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		out, err := svcs.Scan.Scan(c.Request.Context(), scan.Input{
			Credential:     req.Credential,
			EventID:        req.EventID,
			ScannerID:      req.ScannerID,
			AttendeeGender: domain.Gender(req.AttendeeGender),
		})
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, out)
	}
}

// @Summary  Get entitlement
// @Param    id  path  string  true  "Entitlement ID (uuid)"
// @Success  200 {object} domain.Entitlement
// @Failure  404 {object} ErrorResponse
// @Router   /entitlements/{id} [get]
func handleGetEntitlement(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}

		e, err := svcs.Entitlement.Get(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, e)
	}
}

// @Summary  Current door credential of an entitlement
// @Param    id       path   string  true  "Entitlement ID (uuid)"
// @Param    user_id  query  string  true  "Owner user ID"
// @Success  200 {object} entitlement.Credential
// @Failure  403 {object} ErrorResponse
// @Router   /entitlements/{id}/credential [get]
func handleGetCredential(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}

		userID := c.Query("user_id")
		if userID == "" {
			badRequest(c, "user_id is required")
			return
		}

		cred, err := svcs.Entitlement.Credential(c.Request.Context(), id, userID)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, cred)
	}
}

// @Summary  Scan history of an entitlement
// @Param    id  path  string  true  "Entitlement ID (uuid)"
// @Success  200 {array} domain.ScanLedgerEntry
// @Router   /entitlements/{id}/scans [get]
func handleEntitlementScans(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}

		entries, err := svcs.Scan.History(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, nonNil(entries))
	}
}

// @Summary  Transfer an unused entitlement
// @Param    id  path  string  true  "Entitlement ID (uuid)"
// @Param    req body  TransferRequest true "payload"
// @Success  200 {object} domain.Entitlement
// @Failure  409 {object} ErrorResponse "used or not active"
// @Router   /entitlements/{id}/transfer [post]
func handleTransfer(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}

		var req TransferRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		e, err := svcs.Entitlement.Transfer(c.Request.Context(), id, req.FromUserID, req.ToUserID)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, e)
	}
}

// @Summary  Revoke an entitlement
// @Param    id  path  string  true  "Entitlement ID (uuid)"
// @Param    req body  RevokeRequest true "payload"
// @Success  200 {object} domain.Entitlement
// @Failure  409 {object} ErrorResponse
// @Router   /admin/entitlements/{id}/revoke [post]
func handleRevoke(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}

		var req RevokeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		e, err := svcs.Entitlement.Revoke(c.Request.Context(), id, req.Reason)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, e)
	}
}

// @Summary  Link two couple entitlements
// @Param    req body  LinkRequest true "payload"
// @Success  200 {object} LinkResponse
// @Failure  409 {object} ErrorResponse
// @Router   /admin/entitlements/link [post]
func handleLinkEntitlements(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LinkRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		a, b, err := svcs.Entitlement.Link(c.Request.Context(), uuid.MustParse(req.A), uuid.MustParse(req.B))
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, LinkResponse{A: a, B: b})
	}
}

// @Summary  Inventory counters of an event
// @Param    id  path  string  true  "Event ID"
// @Success  200 {array} domain.InventoryCounter
// @Router   /events/{id}/inventory [get]
func handleGetInventory(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		counters, err := svcs.Inventory.Availability(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondErr(c, err)
			return
		}

		writeJSONWithCache(c, http.StatusOK, nonNil(counters), "public, max-age=5", true)
	}
}

// @Summary  Payment collaborator webhook
// @Param    X-Turnstile-Signature  header  string  true  "sha256=<hex hmac of body>"
// @Param    req body  payment.Event true "payload"
// @Success  200 {object} payment.Result
// @Failure  401 {object} ErrorResponse
// @Router   /payments/webhook [post]
func handlePaymentWebhook(svcs *service.Services, maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes))
		if err != nil {
			badRequest(c, "webhook body too large or unreadable")
			return
		}

		out, err := svcs.Payment.Handle(c.Request.Context(), body, c.GetHeader(payment.SignatureHeader))
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, out)
	}
}

// @Summary  Set tier capacity
// @Param    id    path  string  true  "Event ID"
// @Param    tier  path  string  true  "Tier ID"
// @Param    req body  ConfigureTierRequest true "payload"
// @Success  200 {object} domain.InventoryCounter
// @Failure  409 {object} ErrorResponse "capacity below held+sold"
// @Router   /admin/events/{id}/tiers/{tier} [put]
func handleConfigureTier(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ConfigureTierRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		counter, err := svcs.Inventory.Configure(c.Request.Context(), c.Param("id"), c.Param("tier"), *req.Capacity)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, counter)
	}
}

// @Summary  Surge state of an event
// @Param    id  path  string  true  "Event ID"
// @Success  200 {object} domain.SurgeInfo
// @Router   /admin/events/{id}/surge [get]
func handleGetSurge(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := svcs.Admission.Surge(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, info)
	}
}

// @Summary  Reset surge state of an event
// @Param    id  path  string  true  "Event ID"
// @Success  204
// @Router   /admin/events/{id}/surge/reset [post]
func handleResetSurge(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svcs.Admission.Reset(c.Request.Context(), c.Param("id")); err != nil {
			respondErr(c, err)
			return
		}

		c.Status(http.StatusNoContent)
	}
}

// @Summary  Scan ledger of an event, newest first
// @Param    id     path   string  true   "Event ID"
// @Param    limit  query  int     false  "page size"
// @Success  200 {array} domain.ScanLedgerEntry
// @Router   /admin/events/{id}/scans [get]
func handleEventScans(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := parseIntDefault(c.Query("limit"), 100)

		entries, err := svcs.Scan.EventLedger(c.Request.Context(), c.Param("id"), limit)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, nonNil(entries))
	}
}

// --- Helpers ---

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: "INVALID_INPUT"})
}
