// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Esign         EsignConfig         `yaml:"esign"`
	CRM           CRMConfig           `yaml:"crm"`
	Record        RecordConfig        `yaml:"record"`
	ViewCache     ViewCacheConfig     `yaml:"viewcache"`
	Webhook       WebhookConfig       `yaml:"webhook"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings for portal
// callers. Tokens are minted by the OTP login service and verified here.
type IdentityConfig struct {
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	JWKSURL      string        `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
	Algorithms   []string      `yaml:"algorithms"`
}

// EsignConfig describes the signing provider integration.
type EsignConfig struct {
	BaseURL        string               `yaml:"base_url"`
	AccountID      string               `yaml:"account_id"`
	TemplateID     string               `yaml:"template_id"`
	ReturnURL      string               `yaml:"return_url"`
	WebhookURL     string               `yaml:"webhook_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	Auth           EsignAuthConfig      `yaml:"auth"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// EsignAuthConfig describes the JWT-bearer grant used to obtain provider
// access tokens. The private key is read from a PEM file or, when the path
// is empty, from the environment variable named by PrivateKeyEnv.
type EsignAuthConfig struct {
	AuthBaseURL    string        `yaml:"auth_base_url"`
	ClientID       string        `yaml:"client_id"`
	UserID         string        `yaml:"user_id"`
	PrivateKeyPath string        `yaml:"private_key_path"`
	PrivateKeyEnv  string        `yaml:"private_key_env"`
	RedirectURI    string        `yaml:"redirect_uri"`
	Scopes         []string      `yaml:"scopes"`
	RefreshBuffer  time.Duration `yaml:"refresh_buffer"`
}

// CRMConfig describes the CRM integration.
type CRMConfig struct {
	BaseURL        string               `yaml:"base_url"`
	TokenEnv       string               `yaml:"token_env"`
	Timeout        time.Duration        `yaml:"timeout"`
	Deal           DealConfig           `yaml:"deal"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// DealConfig names the CRM deal properties and pipeline stage this service
// reads and writes.
type DealConfig struct {
	StageProperty       string `yaml:"stage_property"`
	RecordProperty      string `yaml:"record_property"`
	FundsRequestedStage string `yaml:"funds_requested_stage"`
}

// CircuitBreakerConfig describes circuit breaker settings per service.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings per service.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	IdempotentOnly    bool          `yaml:"idempotent_only"`
}

// RecordConfig describes envelope record persistence settings.
type RecordConfig struct {
	Driver   string         `yaml:"driver"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig describes postgres pool settings for the record store.
type PostgresConfig struct {
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ViewCacheConfig describes the recipient view URL cache.
type ViewCacheConfig struct {
	Driver          string        `yaml:"driver"`
	FreshnessWindow time.Duration `yaml:"freshness_window"`
	MaxEntries      int           `yaml:"max_entries"`
	Redis           RedisConfig   `yaml:"redis"`
}

// RedisConfig describes redis connection settings.
type RedisConfig struct {
	AddrEnv   string `yaml:"addr_env"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// WebhookConfig describes inbound webhook verification settings.
type WebhookConfig struct {
	SecretEnv string        `yaml:"secret_env"`
	Tolerance time.Duration `yaml:"tolerance"`
}

// ArchiveConfig describes completed-document archival settings.
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
	Prefix    string `yaml:"prefix"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Exporter          string  `yaml:"exporter"`
	Endpoint          string  `yaml:"endpoint"`
	SamplingRate      float64 `yaml:"sampling_rate"`
	ForceSampleErrors bool    `yaml:"force_sample_errors"`
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
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
		},
		Esign: EsignConfig{
			Timeout: 30 * time.Second,
			Auth: EsignAuthConfig{
				Scopes:        []string{"signature", "impersonation"},
				RefreshBuffer: 5 * time.Minute,
				PrivateKeyEnv: "SIGIL_ESIGN_PRIVATE_KEY",
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:   5,
				SuccessThreshold:   2,
				Timeout:            30 * time.Second,
				ErrorRateThreshold: 0.5,
				ErrorRateWindow:    1 * time.Minute,
			},
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    100 * time.Millisecond,
				BackoffMultiplier: 2.0,
				BackoffMax:        2 * time.Second,
				IdempotentOnly:    true,
			},
		},
		CRM: CRMConfig{
			TokenEnv: "SIGIL_CRM_TOKEN",
			Timeout:  30 * time.Second,
			Deal: DealConfig{
				StageProperty:  "dealstage",
				RecordProperty: "envelope_record",
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:   5,
				SuccessThreshold:   2,
				Timeout:            30 * time.Second,
				ErrorRateThreshold: 0.5,
				ErrorRateWindow:    1 * time.Minute,
			},
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    100 * time.Millisecond,
				BackoffMultiplier: 2.0,
				BackoffMax:        2 * time.Second,
				IdempotentOnly:    true,
			},
		},
		Record: RecordConfig{
			Driver: "crm",
			Postgres: PostgresConfig{
				DSNEnv:          "SIGIL_RECORD_DSN",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		ViewCache: ViewCacheConfig{
			Driver:          "memory",
			FreshnessWindow: 5 * time.Minute,
			MaxEntries:      1000,
			Redis: RedisConfig{
				AddrEnv:   "SIGIL_REDIS_ADDR",
				KeyPrefix: "sigil:",
			},
		},
		Webhook: WebhookConfig{
			SecretEnv: "SIGIL_WEBHOOK_SECRET",
			Tolerance: 5 * time.Minute,
		},
		Archive: ArchiveConfig{
			Region: "us-east-1",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
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
	if c.Esign.BaseURL == "" {
		errs = append(errs, "esign.base_url is required")
	}
	if c.Esign.AccountID == "" {
		errs = append(errs, "esign.account_id is required")
	}
	if c.Esign.TemplateID == "" {
		errs = append(errs, "esign.template_id is required")
	}
	if c.Esign.Auth.AuthBaseURL == "" {
		errs = append(errs, "esign.auth.auth_base_url is required")
	}
	if c.Esign.Auth.ClientID == "" {
		errs = append(errs, "esign.auth.client_id is required")
	}
	if c.Esign.Auth.UserID == "" {
		errs = append(errs, "esign.auth.user_id is required")
	}
	if c.Esign.Auth.PrivateKeyPath == "" && c.Esign.Auth.PrivateKeyEnv == "" {
		errs = append(errs, "esign.auth requires private_key_path or private_key_env")
	}
	if c.CRM.BaseURL == "" {
		errs = append(errs, "crm.base_url is required")
	}
	if c.CRM.Deal.FundsRequestedStage == "" {
		errs = append(errs, "crm.deal.funds_requested_stage is required")
	}
	switch c.Record.Driver {
	case "crm", "postgres", "memory":
	default:
		errs = append(errs, fmt.Sprintf("record.driver %q is not one of crm, postgres, memory", c.Record.Driver))
	}
	switch c.ViewCache.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("viewcache.driver %q is not one of memory, redis", c.ViewCache.Driver))
	}
	if c.ViewCache.FreshnessWindow <= 0 {
		errs = append(errs, "viewcache.freshness_window must be positive")
	}
	if c.Webhook.SecretEnv == "" {
		errs = append(errs, "webhook.secret_env is required")
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		errs = append(errs, "archive.bucket is required when archive is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads SIGIL_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SIGIL_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SIGIL_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("SIGIL_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("SIGIL_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("SIGIL_ESIGN_BASE_URL"); v != "" {
		cfg.Esign.BaseURL = v
	}
	if v := os.Getenv("SIGIL_ESIGN_ACCOUNT_ID"); v != "" {
		cfg.Esign.AccountID = v
	}
	if v := os.Getenv("SIGIL_ESIGN_TEMPLATE_ID"); v != "" {
		cfg.Esign.TemplateID = v
	}
	if v := os.Getenv("SIGIL_CRM_BASE_URL"); v != "" {
		cfg.CRM.BaseURL = v
	}
	if v := os.Getenv("SIGIL_RECORD_DRIVER"); v != "" {
		cfg.Record.Driver = v
	}
	if v := os.Getenv("SIGIL_VIEWCACHE_DRIVER"); v != "" {
		cfg.ViewCache.Driver = v
	}
	if v := os.Getenv("SIGIL_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
