// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend driver names.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverNATS     = "nats"
	DriverNoop     = "noop"
	DriverS3       = "s3"
	DriverNone     = "none"
)

// Decline policies understood by the signing engine.
const (
	DeclinePolicyRequireAll = "require_all"
	DeclinePolicyAlways     = "always_cancel"
	DeclinePolicyNever      = "never_cancel"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Store         StoreConfig         `yaml:"store"`
	Lock          LockConfig          `yaml:"lock"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Notify        NotifyConfig        `yaml:"notify"`
	Blob          BlobConfig          `yaml:"blob"`
	Documents     DocumentsConfig     `yaml:"documents"`
	Audit         AuditConfig         `yaml:"audit"`
	Signing       SigningConfig       `yaml:"signing"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings for owner
// routes.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// StoreConfig describes signature request persistence.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// LockConfig describes the per-request exclusive section.
type LockConfig struct {
	Driver       string        `yaml:"driver"`
	AddrEnv      string        `yaml:"addr_env"`
	DB           int           `yaml:"db"`
	TTL          time.Duration `yaml:"ttl"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

// IdempotencyConfig describes how X-Idempotency-Key responses are kept. The
// store uses Redis when the lock driver does, sharing its client.
type IdempotencyConfig struct {
	TTL       time.Duration `yaml:"ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// NotifyConfig describes the notification service connection.
type NotifyConfig struct {
	Driver         string               `yaml:"driver"`
	URLEnv         string               `yaml:"url_env"`
	Stream         string               `yaml:"stream"`
	SubjectPrefix  string               `yaml:"subject_prefix"`
	MaxAge         time.Duration        `yaml:"max_age"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// BlobConfig describes signature image storage.
type BlobConfig struct {
	Driver       string `yaml:"driver"`
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
	UsePathStyle bool   `yaml:"use_path_style"`
	PublicURL    string `yaml:"public_url"`
}

// DocumentsConfig describes where document geometry is read from. The
// postgres driver shares the store DSN.
type DocumentsConfig struct {
	Driver string `yaml:"driver"`
}

// AuditConfig describes where activity logs are written.
type AuditConfig struct {
	Sink            string `yaml:"sink"`
	PendingCapacity int    `yaml:"pending_capacity"`
}

// SigningConfig describes signing workflow rules.
type SigningConfig struct {
	VerificationTTL time.Duration `yaml:"verification_ttl"`
	UniquePlacement bool          `yaml:"unique_placement"`
	DeclinePolicy   string        `yaml:"decline_policy"`
}

// SchedulerConfig describes the background expiry, reminder, and audit
// flush loops.
type SchedulerConfig struct {
	Enabled            bool          `yaml:"enabled"`
	ExpiryInterval     time.Duration `yaml:"expiry_interval"`
	ReminderInterval   time.Duration `yaml:"reminder_interval"`
	AuditFlushInterval time.Duration `yaml:"audit_flush_interval"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    5 << 20,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Store: StoreConfig{
			Driver:          DriverMemory,
			DSNEnv:          "SIGNET_DATABASE_URL",
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Lock: LockConfig{
			Driver:       DriverMemory,
			AddrEnv:      "SIGNET_REDIS_ADDR",
			TTL:          30 * time.Second,
			RetryBackoff: 25 * time.Millisecond,
			KeyPrefix:    "signet:lock:",
		},
		Idempotency: IdempotencyConfig{
			TTL:       24 * time.Hour,
			KeyPrefix: "signet:idem:",
		},
		Notify: NotifyConfig{
			Driver:        DriverNoop,
			URLEnv:        "SIGNET_NATS_URL",
			Stream:        "SIGNET_NOTIFICATIONS",
			SubjectPrefix: "signet.notifications",
			MaxAge:        72 * time.Hour,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Blob: BlobConfig{
			Driver:       DriverMemory,
			Region:       "us-east-1",
			AccessKeyEnv: "SIGNET_BLOB_ACCESS_KEY",
			SecretKeyEnv: "SIGNET_BLOB_SECRET_KEY",
		},
		Documents: DocumentsConfig{
			Driver: DriverNone,
		},
		Audit: AuditConfig{
			Sink:            DriverMemory,
			PendingCapacity: 10000,
		},
		Signing: SigningConfig{
			VerificationTTL: 15 * time.Minute,
			DeclinePolicy:   DeclinePolicyRequireAll,
		},
		Scheduler: SchedulerConfig{
			Enabled:            true,
			ExpiryInterval:     time.Minute,
			ReminderInterval:   time.Hour,
			AuditFlushInterval: 30 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}

	errs = checkDriver(errs, "store.driver", c.Store.Driver, DriverMemory, DriverPostgres)
	errs = checkDriver(errs, "lock.driver", c.Lock.Driver, DriverMemory, DriverRedis)
	errs = checkDriver(errs, "notify.driver", c.Notify.Driver, DriverNoop, DriverNATS)
	errs = checkDriver(errs, "blob.driver", c.Blob.Driver, DriverMemory, DriverS3)
	errs = checkDriver(errs, "documents.driver", c.Documents.Driver, DriverNone, DriverMemory, DriverPostgres)
	errs = checkDriver(errs, "audit.sink", c.Audit.Sink, DriverMemory, DriverPostgres)
	errs = checkDriver(errs, "signing.decline_policy", c.Signing.DeclinePolicy,
		DeclinePolicyRequireAll, DeclinePolicyAlways, DeclinePolicyNever)

	needsDB := c.Store.Driver == DriverPostgres || c.Audit.Sink == DriverPostgres ||
		c.Documents.Driver == DriverPostgres
	if needsDB && c.Store.DSNEnv == "" {
		errs = append(errs, "store.dsn_env is required for postgres backends")
	}
	if c.Blob.Driver == DriverS3 && c.Blob.Bucket == "" {
		errs = append(errs, "blob.bucket is required for the s3 driver")
	}
	if c.Notify.Driver == DriverNATS && c.Notify.Stream == "" {
		errs = append(errs, "notify.stream is required for the nats driver")
	}
	if c.Signing.VerificationTTL <= 0 {
		errs = append(errs, "signing.verification_ttl must be positive")
	}
	if c.Idempotency.TTL <= 0 {
		errs = append(errs, "idempotency.ttl must be positive")
	}
	if c.Audit.PendingCapacity < 1 {
		errs = append(errs, "audit.pending_capacity must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func checkDriver(errs []string, name, value string, allowed ...string) []string {
	for _, a := range allowed {
		if value == a {
			return errs
		}
	}
	return append(errs, fmt.Sprintf("%s must be one of %s", name, strings.Join(allowed, ", ")))
}

// applyEnvOverrides reads SIGNET_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SIGNET_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SIGNET_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("SIGNET_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("SIGNET_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("SIGNET_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("SIGNET_LOCK_DRIVER"); v != "" {
		cfg.Lock.Driver = v
	}
	if v := os.Getenv("SIGNET_NOTIFY_DRIVER"); v != "" {
		cfg.Notify.Driver = v
	}
	if v := os.Getenv("SIGNET_BLOB_DRIVER"); v != "" {
		cfg.Blob.Driver = v
	}
	if v := os.Getenv("SIGNET_BLOB_BUCKET"); v != "" {
		cfg.Blob.Bucket = v
	}
	if v := os.Getenv("SIGNET_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("SIGNET_OBSERVABILITY_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}

// Env returns the value of the environment variable named by key, or "" when
// key is empty.
func Env(key string) string {
	if key == "" {
		return ""
	}
	return os.Getenv(key)
}
