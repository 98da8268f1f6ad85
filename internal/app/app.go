package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kirinyoku/turnstile/internal/clock"
	"github.com/kirinyoku/turnstile/internal/config"
	"github.com/kirinyoku/turnstile/internal/credential"
	"github.com/kirinyoku/turnstile/internal/postgres"
	redisx "github.com/kirinyoku/turnstile/internal/redis"
	"github.com/kirinyoku/turnstile/internal/repository"
	"github.com/kirinyoku/turnstile/internal/repository/memory"
	postgresrepo "github.com/kirinyoku/turnstile/internal/repository/postgres"
	redisrepo "github.com/kirinyoku/turnstile/internal/repository/redis"
	"github.com/kirinyoku/turnstile/internal/service"
	"github.com/kirinyoku/turnstile/internal/service/admission"
	"github.com/kirinyoku/turnstile/internal/service/entitlement"
	"github.com/kirinyoku/turnstile/internal/service/reservation"
	httpgin "github.com/kirinyoku/turnstile/internal/transport/http/gin"
	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	services   *service.Services
	pubsub     *redisrepo.EntitlementsPubSub
	httpServer *http.Server
	closers    []func()
}

func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx := context.Background()

	a := &App{cfg: cfg, logger: logger}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	signer, err := credential.NewSigner([]byte(cfg.Credential.Secret), cfg.Credential.Rotation, cfg.Credential.Skew)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize credential signer: %w", err)
	}

	deps := service.Deps{
		Store:  store,
		Signer: signer,
		Clock:  clock.NewSystem(),
		Log:    logger,
	}

	// Optional deps stay nil interfaces when Redis is not configured.
	var idem httpgin.Idempotency
	if cfg.Redis.Enabled() {
		rdb, err := redisx.New(ctx, redisx.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })

		a.wireRedis(rdb, &deps)
		idem = redisrepo.NewIdempotencyStore(rdb, cfg.Tuning.RateLimit.IdempotencyTTL)
	} else {
		logger.Warn("REDIS_ADDR not set; surge counting, rate limits and caching are process-local")
	}

	a.services = service.NewServices(deps, serviceConfig(cfg))

	router := httpgin.NewRouter(a.services, idem, logger, httpgin.RouterConfig{AdminToken: cfg.AdminToken})

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return a, nil
}

func (a *App) openStore(ctx context.Context) (repository.Store, error) {
	if a.cfg.Store.Driver == config.DriverMemory {
		a.logger.Warn("using in-memory store; state is lost on restart")
		return memory.NewStore(), nil
	}

	pool, err := postgres.New(ctx, postgres.Config{
		DSN:              a.cfg.Postgres.DSN(),
		MaxConns:         a.cfg.Postgres.MaxConns,
		StatementTimeout: a.cfg.Postgres.StatementTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres: %w", err)
	}
	a.closers = append(a.closers, pool.Close)

	return postgresrepo.NewStore(pool, a.cfg.Store.MaxRetries), nil
}

func (a *App) wireRedis(rdb *goredis.Client, deps *service.Deps) {
	rl := a.cfg.Tuning.RateLimit

	deps.Cache = redisrepo.NewCache(rdb, 5*time.Second)
	deps.SurgeCounter = redisrepo.NewSlidingWindowCounter(rdb, surgeWindow(a.cfg))
	a.pubsub = redisrepo.NewEntitlementsPubSub(rdb)
	deps.Notifier = a.pubsub

	if rl.CreatePerMinute > 0 {
		deps.CreateLimiter = redisrepo.NewSlidingWindowLimiter(rdb, "create", rl.CreatePerMinute, time.Minute)
	}
	if rl.ScanDenialsPerMinute > 0 {
		deps.ScanFlagger = redisrepo.NewSlidingWindowLimiter(rdb, "scan-denials", rl.ScanDenialsPerMinute, time.Minute)
	}
}

func surgeWindow(cfg *config.Config) time.Duration {
	if w := cfg.Tuning.Surge.Window; w > 0 {
		return w
	}
	return 10 * time.Second
}

func serviceConfig(cfg *config.Config) service.Config {
	t := cfg.Tuning

	return service.Config{
		Admission: admission.Config{
			SurgeEnterThreshold: t.Surge.EnterThreshold,
			SurgeExitThreshold:  t.Surge.ExitThreshold,
			SurgeWindow:         surgeWindow(cfg),
			AdmitBatch:          t.Surge.AdmitBatch,
			MaxCalled:           t.Surge.MaxCalled,
			AdmitWindow:         t.Surge.AdmitWindow,
			TickInterval:        t.Surge.TickInterval,
		},
		Reservation: reservation.Config{
			DefaultHoldTTL: t.Reservation.DefaultHoldTTL,
			MinHoldTTL:     t.Reservation.MinHoldTTL,
			MaxHoldTTL:     t.Reservation.MaxHoldTTL,
			SweepInterval:  t.Reservation.SweepInterval,
			SweepBatch:     t.Reservation.SweepBatch,
		},
		Entitlement: entitlement.Config{
			ExpireInterval: t.Entitlement.ExpireInterval,
			ExpireBatch:    t.Entitlement.ExpireBatch,
		},
		WebhookSecret: []byte(cfg.WebhookSecret),
	}
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	defer a.Close()

	g, gCtx := errgroup.WithContext(ctx)

	// Start HTTP server
	g.Go(func() error {
		a.logger.Info("HTTP server listening", "host", a.cfg.Server.Host, "port", a.cfg.Server.Port)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	})

	// Background loops
	g.Go(func() error { return a.services.Reservation.Run(gCtx) })
	g.Go(func() error { return a.services.Entitlement.Run(gCtx) })
	g.Go(func() error { return a.services.Admission.Run(gCtx) })

	if a.pubsub != nil {
		g.Go(func() error {
			err := a.pubsub.Subscribe(gCtx, func(ctx context.Context, msg redisrepo.EntitlementsIssued) {
				a.logger.Info("entitlements issued",
					slog.String("order_id", msg.OrderID),
					slog.String("event_id", msg.EventID),
					slog.Int("count", len(msg.EntitlementIDs)),
				)
			})
			if err != nil && gCtx.Err() == nil {
				a.logger.Error("entitlement notifications stopped", slog.Any("err", err))
			}
			return nil
		})
	}

	// Graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("shutting down HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(ctx)
	})

	return g.Wait()
}

// Close releases the store and Redis connections.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Migrate applies the Postgres schema.
func Migrate(ctx context.Context, cfg *config.Config) error {
	const op = "app.Migrate"

	if cfg.Store.Driver != config.DriverPostgres {
		return fmt.Errorf("%s: STORE_DRIVER is %q, nothing to migrate", op, cfg.Store.Driver)
	}

	pool, err := postgres.New(ctx, postgres.Config{DSN: cfg.Postgres.DSN()})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer pool.Close()

	if err := postgresrepo.NewStore(pool, cfg.Store.MaxRetries).Migrate(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
