package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Server     ServerConfig
	Store      StoreConfig
	Postgres   PostgresConfig
	Redis      RedisConfig
	Credential CredentialConfig
	// WebhookSecret verifies payment collaborator callbacks.
	WebhookSecret string
	// AdminToken guards the admin API. Empty closes it.
	AdminToken string
	Tuning     Tuning
}

type ServerConfig struct {
	Host string
	Port int
}

type StoreConfig struct {
	Driver     string
	MaxRetries int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis address was configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type PostgresConfig struct {
	User     string
	Password string
	Name     string
	Host     string
	Port     int
	SSLMode  string
	MaxConns int32
	// StatementTimeout bounds every statement. Zero keeps the server default.
	StatementTimeout time.Duration
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

type CredentialConfig struct {
	Secret   string
	Rotation time.Duration
	Skew     int
}

// Tuning holds operational knobs. Zero values fall back to the service
// defaults.
type Tuning struct {
	Surge       SurgeTuning       `toml:"surge"`
	Reservation ReservationTuning `toml:"reservation"`
	Entitlement EntitlementTuning `toml:"entitlement"`
	RateLimit   RateLimitTuning   `toml:"rate_limit"`
}

type SurgeTuning struct {
	EnterThreshold int64         `toml:"enter_threshold"`
	ExitThreshold  int64         `toml:"exit_threshold"`
	Window         time.Duration `toml:"window"`
	AdmitBatch     int           `toml:"admit_batch"`
	MaxCalled      int           `toml:"max_called"`
	AdmitWindow    time.Duration `toml:"admit_window"`
	TickInterval   time.Duration `toml:"tick_interval"`
}

type ReservationTuning struct {
	DefaultHoldTTL time.Duration `toml:"default_hold_ttl"`
	MinHoldTTL     time.Duration `toml:"min_hold_ttl"`
	MaxHoldTTL     time.Duration `toml:"max_hold_ttl"`
	SweepInterval  time.Duration `toml:"sweep_interval"`
	SweepBatch     int           `toml:"sweep_batch"`
}

type EntitlementTuning struct {
	ExpireInterval time.Duration `toml:"expire_interval"`
	ExpireBatch    int           `toml:"expire_batch"`
}

type RateLimitTuning struct {
	// CreatePerMinute caps reservation attempts per client address.
	CreatePerMinute int `toml:"create_per_minute"`
	// ScanDenialsPerMinute is how many denials one credential may collect
	// before it is flagged.
	ScanDenialsPerMinute int           `toml:"scan_denials_per_minute"`
	IdempotencyTTL       time.Duration `toml:"idempotency_ttl"`
}

func New() (*Config, error) {
	const op = "config.New"

	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host: envDefault("SERVER_HOST", "localhost"),
		},
		Store: StoreConfig{
			Driver: envDefault("STORE_DRIVER", DriverPostgres),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		Credential: CredentialConfig{
			Secret: os.Getenv("CREDENTIAL_SECRET"),
		},
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		AdminToken:    os.Getenv("ADMIN_TOKEN"),
		Tuning: Tuning{
			RateLimit: RateLimitTuning{
				CreatePerMinute:      10,
				ScanDenialsPerMinute: 5,
				IdempotencyTTL:       2 * time.Hour,
			},
		},
	}

	var err error

	if cfg.Server.Port, err = envInt("SERVER_PORT", 8080); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if cfg.Store.MaxRetries, err = envInt("STORE_MAX_RETRIES", 3); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if cfg.Redis.DB, err = envInt("REDIS_DB", 0); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if cfg.Credential.Skew, err = envInt("CREDENTIAL_SKEW_WINDOWS", 1); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if cfg.Credential.Rotation, err = envDuration("CREDENTIAL_ROTATION", 30*time.Second); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if len(cfg.Credential.Secret) < 32 {
		return nil, fmt.Errorf("%s: CREDENTIAL_SECRET must be at least 32 bytes", op)
	}

	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("%s: missing WEBHOOK_SECRET", op)
	}

	switch cfg.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if cfg.Postgres, err = postgresFromEnv(); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	default:
		return nil, fmt.Errorf("%s: unknown STORE_DRIVER %q", op, cfg.Store.Driver)
	}

	if path := os.Getenv("TURNSTILE_TUNING_FILE"); path != "" {
		if err := LoadTuning(path, &cfg.Tuning); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	return cfg, nil
}

// LoadTuning overlays the TOML file at path onto t. Keys absent from the
// file keep their current value.
func LoadTuning(path string, t *Tuning) error {
	const op = "config.LoadTuning"

	if _, err := toml.DecodeFile(path, t); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if t.Surge.ExitThreshold > 0 && t.Surge.EnterThreshold > 0 &&
		t.Surge.ExitThreshold >= t.Surge.EnterThreshold {
		return fmt.Errorf("%s: surge exit_threshold must be below enter_threshold", op)
	}

	if t.Reservation.MaxHoldTTL > 0 && t.Reservation.MinHoldTTL > t.Reservation.MaxHoldTTL {
		return fmt.Errorf("%s: reservation min_hold_ttl exceeds max_hold_ttl", op)
	}

	return nil
}

func postgresFromEnv() (PostgresConfig, error) {
	port, err := envInt("POSTGRES_PORT", 5432)
	if err != nil {
		return PostgresConfig{}, err
	}

	maxConns, err := envInt("POSTGRES_MAX_CONNS", 0)
	if err != nil {
		return PostgresConfig{}, err
	}

	stmtTimeout, err := envDuration("POSTGRES_STATEMENT_TIMEOUT", 0)
	if err != nil {
		return PostgresConfig{}, err
	}

	pg := PostgresConfig{
		User:     os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		Name:     os.Getenv("POSTGRES_DB"),
		Host:     envDefault("POSTGRES_HOST", "localhost"),
		Port:     port,
		SSLMode:  envDefault("POSTGRES_SSLMODE", "disable"),
		MaxConns: int32(maxConns),

		StatementTimeout: stmtTimeout,
	}

	if pg.User == "" {
		return PostgresConfig{}, fmt.Errorf("missing POSTGRES_USER")
	}

	if pg.Password == "" {
		return PostgresConfig{}, fmt.Errorf("missing POSTGRES_PASSWORD")
	}

	if pg.Name == "" {
		return PostgresConfig{}, fmt.Errorf("missing POSTGRES_DB")
	}

	return pg, nil
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}

	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}

	return v, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}

	return v, nil
}
