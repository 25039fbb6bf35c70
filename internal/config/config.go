package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	JWTSecret          string
	JWTIssuer          string
	JWTAudience        string
	CORSAllowedOrigins []string
	MigrateOnStart     bool

	// Auth token and cookie settings.
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	PasswordResetTTL  time.Duration
	JWTClockSkew      time.Duration
	AccessCookieName  string
	RefreshCookieName string
	CookieDomain      string
	CookieSecure      bool

	// Calculation settings.
	TaxYear                  int
	ProgressInterval         int
	CalcWorkerConcurrency    int
	AnomalyVarianceThreshold float64
	ClassifyMinConfidence    float64
	PhaseOutRiskThreshold    float64

	// Vault settings.
	VaultRetentionYears  int
	VaultVerifyBatchSize int
	ArchiveBucket        string
	ArchiveDir           string

	// Lock settings for per-organization ledger serialization.
	LockTTL          time.Duration
	LockRetryBackoff time.Duration
	LockMaxRetries   int

	// Queue settings.
	QueueRedisPrefix       string
	QueueMaxAttempts       int
	QueueConcurrency       int
	QueueVisibilityTimeout time.Duration
	QueueBackoffBase       time.Duration
	QueueBackoffJitter     float64
	IdempotencyTTL         time.Duration

	// Scheduler intervals for periodic compliance jobs.
	VaultMaintenanceInterval time.Duration
	StaleRunCheckInterval    time.Duration
	StaleRunAge              time.Duration
	RiskSweepInterval        time.Duration

	// Notification settings.
	WebhookDeliveryEnabled    bool
	WebhookRequestTimeout     time.Duration
	WebhookBackoffBaseSec     int
	WebhookDefaultMaxAttempts int
	WebhookReplayTTL          time.Duration
	WebhookAllowInsecureTLS   bool
	NotifyEmailEnabled        bool
	NotifyEmailFrom           string

	// Outbound HTTP resilience (payroll API and webhooks).
	OutboundTimeout     time.Duration
	OutboundMaxAttempts int
	OutboundBackoffBase time.Duration
	OutboundJitter      float64
	CircuitMinRequests  int
	CircuitFailureRate  float64
	CircuitOpenFor      time.Duration

	// Payroll provider for W-2 write-back. Provider "mock" keeps values in
	// memory; "http" posts to the configured API.
	PayrollProvider   string
	PayrollAPIBaseURL string
	PayrollAPIKey     string

	// DLQ drain from the Redis dead letter lists into Postgres.
	DLQDrainInterval time.Duration

	// Rate limiting on authentication endpoints.
	AuthRateLimitWindow time.Duration
	AuthRateLimitMax    int

	// Caches.
	AnalyticsCacheTTL     time.Duration
	AnalyticsDefaultRange int

	// Database pool tuning.
	DBMaxOpenConns int
	DBMaxIdleConns int
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		JWTSecret:          k.String("JWT_SECRET"),
		JWTIssuer:          valueOrDefault(k.String("JWT_ISSUER"), "compliance-core"),
		JWTAudience:        strings.TrimSpace(k.String("JWT_AUDIENCE")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		MigrateOnStart:     parseBoolDefault(k.String("MIGRATE_ON_START"), true),

		AccessTokenTTL:    parseDuration(k.String("ACCESS_TOKEN_TTL"), "15m"),
		RefreshTokenTTL:   parseDuration(k.String("REFRESH_TOKEN_TTL"), "720h"),
		PasswordResetTTL:  parseDuration(k.String("PASSWORD_RESET_TTL"), "1h"),
		JWTClockSkew:      parseDuration(k.String("JWT_CLOCK_SKEW"), "30s"),
		AccessCookieName:  valueOrDefault(k.String("ACCESS_COOKIE_NAME"), "access_token"),
		RefreshCookieName: valueOrDefault(k.String("REFRESH_COOKIE_NAME"), "refresh_token"),
		CookieDomain:      strings.TrimSpace(k.String("COOKIE_DOMAIN")),
		CookieSecure:      parseBool(k.String("COOKIE_SECURE")),

		TaxYear:                  parseInt(k.String("TAX_YEAR"), time.Now().Year()),
		ProgressInterval:         parseInt(k.String("CALC_PROGRESS_INTERVAL"), 10),
		CalcWorkerConcurrency:    parseInt(k.String("CALC_WORKER_CONCURRENCY"), 4),
		AnomalyVarianceThreshold: parseFloat(k.String("ANOMALY_OT_VARIANCE_THRESHOLD"), 0.5),
		ClassifyMinConfidence:    parseFloat(k.String("CLASSIFY_MIN_CONFIDENCE"), 0.85),
		PhaseOutRiskThreshold:    parseFloat(k.String("PHASE_OUT_RISK_THRESHOLD"), 80),

		VaultRetentionYears:  parseInt(k.String("VAULT_RETENTION_YEARS"), 7),
		VaultVerifyBatchSize: parseInt(k.String("VAULT_VERIFY_BATCH_SIZE"), 1000),
		ArchiveBucket:        strings.TrimSpace(k.String("VAULT_ARCHIVE_BUCKET")),
		ArchiveDir:           strings.TrimSpace(k.String("VAULT_ARCHIVE_DIR")),

		LockTTL:          parseDuration(k.String("LOCK_TTL"), "10s"),
		LockRetryBackoff: parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),
		LockMaxRetries:   parseInt(k.String("LOCK_MAX_RETRIES"), 100),

		QueueRedisPrefix:       valueOrDefault(k.String("QUEUE_REDIS_PREFIX"), "compliance"),
		QueueMaxAttempts:       parseInt(k.String("QUEUE_MAX_ATTEMPTS"), 5),
		QueueConcurrency:       parseInt(k.String("QUEUE_CONCURRENCY"), 4),
		QueueVisibilityTimeout: parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "5m"),
		QueueBackoffBase:       parseDuration(k.String("QUEUE_BACKOFF_BASE"), "2s"),
		QueueBackoffJitter:     parseFloat(k.String("QUEUE_BACKOFF_JITTER"), 0.2),
		IdempotencyTTL:         parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),

		VaultMaintenanceInterval: parseDuration(k.String("VAULT_MAINTENANCE_INTERVAL"), "24h"),
		StaleRunCheckInterval:    parseDuration(k.String("STALE_RUN_CHECK_INTERVAL"), "1h"),
		StaleRunAge:              parseDuration(k.String("STALE_RUN_AGE"), "6h"),
		RiskSweepInterval:        parseDuration(k.String("RISK_SWEEP_INTERVAL"), "168h"),

		WebhookDeliveryEnabled:    parseBool(k.String("WEBHOOK_DELIVERY_ENABLED")),
		WebhookRequestTimeout:     parseDuration(k.String("WEBHOOK_REQUEST_TIMEOUT"), "5s"),
		WebhookBackoffBaseSec:     parseInt(k.String("WEBHOOK_BACKOFF_BASE_SEC"), 5),
		WebhookDefaultMaxAttempts: parseInt(k.String("WEBHOOK_DEFAULT_MAX_ATTEMPTS"), 6),
		WebhookReplayTTL:          parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "10m"),
		WebhookAllowInsecureTLS:   parseBool(k.String("WEBHOOK_ALLOW_INSECURE_TLS")),
		NotifyEmailEnabled:        parseBool(k.String("NOTIFY_EMAIL_ENABLED")),
		NotifyEmailFrom:           strings.TrimSpace(k.String("NOTIFY_EMAIL_FROM")),

		OutboundTimeout:     parseDuration(k.String("OUTBOUND_TIMEOUT"), "10s"),
		OutboundMaxAttempts: parseInt(k.String("OUTBOUND_MAX_ATTEMPTS"), 3),
		OutboundBackoffBase: parseDuration(k.String("OUTBOUND_BACKOFF_BASE"), "500ms"),
		OutboundJitter:      parseFloat(k.String("OUTBOUND_BACKOFF_JITTER"), 0.2),
		CircuitMinRequests:  parseInt(k.String("CIRCUIT_MIN_REQUESTS"), 10),
		CircuitFailureRate:  parseFloat(k.String("CIRCUIT_FAILURE_RATE"), 0.5),
		CircuitOpenFor:      parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),

		PayrollProvider:   valueOrDefault(strings.ToLower(strings.TrimSpace(k.String("PAYROLL_PROVIDER"))), "mock"),
		PayrollAPIBaseURL: strings.TrimRight(strings.TrimSpace(k.String("PAYROLL_API_BASE_URL")), "/"),
		PayrollAPIKey:     strings.TrimSpace(k.String("PAYROLL_API_KEY")),

		DLQDrainInterval: parseDuration(k.String("DLQ_DRAIN_INTERVAL"), "30s"),

		AuthRateLimitWindow: parseDuration(k.String("AUTH_RATE_LIMIT_WINDOW"), "1m"),
		AuthRateLimitMax:    parseInt(k.String("AUTH_RATE_LIMIT_MAX"), 20),

		AnalyticsCacheTTL:     parseDuration(k.String("ANALYTICS_CACHE_TTL"), "5m"),
		AnalyticsDefaultRange: parseInt(k.String("ANALYTICS_DEFAULT_RANGE"), 12),

		DBMaxOpenConns: parseInt(k.String("DB_MAX_OPEN_CONNS"), 0),
		DBMaxIdleConns: parseInt(k.String("DB_MAX_IDLE_CONNS"), 0),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseBoolDefault(value string, fallback bool) bool {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	b, err := strconv.ParseBool(trimmed)
	if err != nil {
		return fallback
	}
	return b
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
