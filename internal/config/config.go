// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"capgate/internal/captcha/repository"
)

// EnvProduction is the APP_ENV value that hides error details and makes bypass a hazard.
const EnvProduction = "production"

// MaxDifficulty bounds CAP_DIFFICULTY. Each step is a factor of 16 in expected client work.
const MaxDifficulty = 16

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address the gRPC health server listens on (e.g. :9090).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is debug, info, warn or error.
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFormat is json or text.
	LogFormat string `mapstructure:"LOG_FORMAT"`

	// StoreBackend selects the token store: memory, postgres, sqlite, valkey or badger.
	StoreBackend string `mapstructure:"STORE_BACKEND"`
	// DatabaseURL is the Postgres DSN; required when StoreBackend is postgres.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// SQLitePath is the SQLite database file; required when StoreBackend is sqlite.
	SQLitePath string `mapstructure:"SQLITE_PATH"`
	// ValkeyURL is a redis:// or rediss:// URL; required when StoreBackend is valkey.
	ValkeyURL string `mapstructure:"VALKEY_URL"`
	// ValkeyCluster treats ValkeyURL as a cluster seed.
	ValkeyCluster bool `mapstructure:"VALKEY_CLUSTER"`
	// BadgerDir is the Badger data directory; empty runs Badger in memory.
	BadgerDir string `mapstructure:"BADGER_DIR"`
	// StoreAutoMigrate applies SQL migrations when the server opens a postgres or sqlite store.
	StoreAutoMigrate bool `mapstructure:"STORE_AUTO_MIGRATE"`

	// ChallengeCount is the number of sub-puzzles per challenge.
	ChallengeCount int `mapstructure:"CAP_CHALLENGE_COUNT"`
	// SaltSize is the length of each salt in hex characters.
	SaltSize int `mapstructure:"CAP_SALT_SIZE"`
	// Difficulty is the number of leading zero hex digits a solution digest needs.
	Difficulty int `mapstructure:"CAP_DIFFICULTY"`
	// ChallengeTTL is how long an issued challenge can be redeemed.
	ChallengeTTL time.Duration `mapstructure:"CAP_CHALLENGE_TTL"`
	// SolutionTTL is how long a redemption token stays valid.
	SolutionTTL time.Duration `mapstructure:"CAP_SOLUTION_TTL"`
	// Bypass makes every redeem and validate succeed without touching the store. Test use only.
	Bypass bool `mapstructure:"CAP_BYPASS"`

	// SweepInterval is the expired-token sweep period. 0 disables the in-process sweeper in the server.
	SweepInterval time.Duration `mapstructure:"SWEEP_INTERVAL"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`

	// OTel (optional). When OTEL_EXPORTER_OTLP_ENDPOINT is set, traces, metrics and logs are exported over OTLP gRPC.
	OTelEndpoint    string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelInsecure    bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// KafkaBrokers is a comma-separated list of Kafka brokers for audit events. Empty disables Kafka.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// AuditKafkaTopic is the Kafka topic for audit events.
	AuditKafkaTopic string `mapstructure:"AUDIT_KAFKA_TOPIC"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("STORE_BACKEND", repository.BackendMemory)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("SQLITE_PATH", "")
	v.SetDefault("VALKEY_URL", "")
	v.SetDefault("VALKEY_CLUSTER", false)
	v.SetDefault("BADGER_DIR", "")
	v.SetDefault("STORE_AUTO_MIGRATE", false)
	v.SetDefault("CAP_CHALLENGE_COUNT", 50)
	v.SetDefault("CAP_SALT_SIZE", 32)
	v.SetDefault("CAP_DIFFICULTY", 4)
	v.SetDefault("CAP_CHALLENGE_TTL", "10m")
	v.SetDefault("CAP_SOLUTION_TTL", "5m")
	v.SetDefault("CAP_BYPASS", false)
	v.SetDefault("SWEEP_INTERVAL", "5m")
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "capgate")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("AUDIT_KAFKA_TOPIC", "capgate-audit")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field ranges and backend-specific requirements. Bypass is not rejected here;
// see BypassHazard.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if c.GRPCAddr == "" {
		return errors.New("config: GRPC_ADDR must be set")
	}
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	if c.StoreBackend == "" {
		c.StoreBackend = repository.BackendMemory
	}
	if !slices.Contains(repository.Backends, c.StoreBackend) {
		return fmt.Errorf("config: STORE_BACKEND must be one of %s, got %q", strings.Join(repository.Backends, ", "), c.StoreBackend)
	}
	switch c.StoreBackend {
	case repository.BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL must be set when STORE_BACKEND=postgres")
		}
	case repository.BackendSQLite:
		if c.SQLitePath == "" {
			return errors.New("config: SQLITE_PATH must be set when STORE_BACKEND=sqlite")
		}
	case repository.BackendValkey:
		if err := repository.ValidValkeyURL(c.ValkeyURL); err != nil {
			return fmt.Errorf("config: VALKEY_URL: %w", err)
		}
	}
	if c.ChallengeCount < 0 {
		return errors.New("config: CAP_CHALLENGE_COUNT must not be negative")
	}
	if c.SaltSize <= 0 {
		return errors.New("config: CAP_SALT_SIZE must be positive")
	}
	if c.Difficulty < 0 || c.Difficulty > MaxDifficulty {
		return fmt.Errorf("config: CAP_DIFFICULTY must be between 0 and %d", MaxDifficulty)
	}
	if c.ChallengeTTL <= 0 || c.SolutionTTL <= 0 {
		return errors.New("config: CAP_CHALLENGE_TTL and CAP_SOLUTION_TTL must be positive")
	}
	if c.SweepInterval < 0 {
		return errors.New("config: SWEEP_INTERVAL must not be negative")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return c != nil && strings.EqualFold(c.Env, EnvProduction)
}

// BypassHazard reports whether bypass is enabled in production. Startup logs this at error level.
func (c *Config) BypassHazard() bool {
	return c.Bypass && c.IsProduction()
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if audit publishing is enabled (non-empty list) and to create the producer.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
