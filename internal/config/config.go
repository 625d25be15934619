package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// defaultJWTSecret is rejected when ENV=prod.
const defaultJWTSecret = "supersecretkey"

type Config struct {
	Port string

	// Env is "dev" (default) or "prod". When "prod", JWT_SECRET must be set and not the default.
	Env string

	// LogFormat is "text" (default) or "json". LogLevel is debug, info (default), warn or error.
	LogFormat string
	LogLevel  string

	DBHost string
	DBPort string
	DBName string
	DBUser string
	DBPass string

	// DBMaxOpenConns is the maximum number of open connections to the database (default 25).
	DBMaxOpenConns int
	// DBMaxIdleConns is the maximum number of idle connections (default 5).
	DBMaxIdleConns int

	JWTSecret string

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string
	TLSKeyFile  string

	// RedisAddr enables the redis job lock and notification queue. When empty the
	// service falls back to PostgreSQL advisory locks and log-only notifications.
	RedisAddr     string
	RedisPassword string

	// DiscrepancyThreshold is exclusive: |A-B| must be strictly greater to raise a conflict.
	DiscrepancyThreshold decimal.Decimal
	// EscalationAge is how long a conflict stays open before escalation (default 7 days).
	EscalationAge time.Duration

	ReconcileCron  string
	EscalationCron string

	// JobTimeout bounds one scheduled execution, JobMaxRetries the attempts after the first.
	JobTimeout    time.Duration
	JobMaxRetries int
	LockTTL       time.Duration

	NotifyQueueSize       int
	EscalationNotifyRoles []string

	// TriggerRatePerMin limits manual reconciliation triggers per client IP.
	TriggerRatePerMin int
}

// Load reads an optional .env file and then the environment.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:      getEnv("PORT", "8080"),
		Env:       getEnv("ENV", "dev"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),

		DBHost: getEnv("DB_HOST", "localhost"),
		DBPort: getEnv("DB_PORT", "5432"),
		DBName: getEnv("DB_NAME", "hoursdb"),
		DBUser: getEnv("DB_USER", "hoursuser"),
		DBPass: getEnv("DB_PASS", "hourspass"),

		DBMaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 5),

		JWTSecret: getEnv("JWT_SECRET", defaultJWTSecret),

		TLSCertFile: getEnv("TLS_CERT_FILE", ""),
		TLSKeyFile:  getEnv("TLS_KEY_FILE", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		DiscrepancyThreshold: getEnvDecimal("DISCREPANCY_THRESHOLD_HOURS", decimal.NewFromInt(2)),
		EscalationAge:        time.Duration(getEnvInt("ESCALATION_AGE_DAYS", 7)) * 24 * time.Hour,

		// Weekly Monday 06:00 UTC for the previous week, daily 07:00 UTC for escalation.
		ReconcileCron:  getEnv("RECONCILE_CRON", "0 6 * * 1"),
		EscalationCron: getEnv("ESCALATION_CRON", "0 7 * * *"),

		JobTimeout:    getEnvDuration("JOB_TIMEOUT", 10*time.Minute),
		JobMaxRetries: getEnvInt("JOB_MAX_RETRIES", 3),
		LockTTL:       getEnvDuration("LOCK_TTL", time.Minute),

		NotifyQueueSize:       getEnvInt("NOTIFY_QUEUE_SIZE", 256),
		EscalationNotifyRoles: splitList(getEnv("ESCALATION_NOTIFY_ROLES", "ceo,cfo")),

		TriggerRatePerMin: getEnvInt("TRIGGER_RATE_PER_MIN", 6),
	}
}

// Validate rejects configurations the service must not start with.
func (c Config) Validate() error {
	var errs []error
	if c.Env == "prod" && (c.JWTSecret == "" || c.JWTSecret == defaultJWTSecret) {
		errs = append(errs, errors.New("JWT_SECRET must be set to a non-default value when ENV=prod"))
	}
	if !c.DiscrepancyThreshold.IsPositive() {
		errs = append(errs, fmt.Errorf("DISCREPANCY_THRESHOLD_HOURS must be positive, got %s", c.DiscrepancyThreshold))
	}
	if c.EscalationAge <= 0 {
		errs = append(errs, errors.New("ESCALATION_AGE_DAYS must be positive"))
	}
	if len(c.EscalationNotifyRoles) == 0 {
		errs = append(errs, errors.New("ESCALATION_NOTIFY_ROLES must name at least one role"))
	}
	return errors.Join(errs...)
}

// DatabaseURL is the postgres URL form used by golang-migrate.
func (c Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName)
}

// splitList splits a comma-separated list and trims spaces. Empty strings are omitted.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if o := strings.TrimSpace(p); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}

func getEnvDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
