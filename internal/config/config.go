package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App          AppConfig
	Postgres     PostgresConfig
	Redis        RedisConfig
	Logger       LoggerConfig
	Auth         AuthConfig
	Notification NotificationConfig
	Dispatch     DispatchConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines bearer token parameters.
type AuthConfig struct {
	JWTSecret             string
	Issuer                string
	AccessTokenTTLMinutes int
}

// NotificationConfig controls how committed transitions are announced.
type NotificationConfig struct {
	Channel        string
	DedupTTLHours  int
	WebhookURL     string
	SMSSenderID    string
	PublishToRedis bool
}

// DispatchConfig tunes the matching engine.
type DispatchConfig struct {
	Capacity             int
	FallbackTag          string
	KnownTags            []string
	SweepIntervalSeconds int
	SeedFile             string
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	capacity, err := strconv.Atoi(getEnv("DISPATCH_CAPACITY", "1"))
	if err != nil || capacity < 1 {
		return nil, fmt.Errorf("invalid DISPATCH_CAPACITY %q: must be a positive integer", os.Getenv("DISPATCH_CAPACITY"))
	}

	maxConns := int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10))
	minConns := int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2))
	runMigrations := getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true)
	connMaxIdle := int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30))
	connMaxLife := int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300))

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "solsync-dispatch"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       maxConns,
			MinConns:       minConns,
			RunMigrations:  runMigrations,
			ConnMaxIdleSec: connMaxIdle,
			ConnMaxLifeSec: connMaxLife,
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			Issuer:                getEnv("AUTH_JWT_ISSUER", "solsync"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
		},
		Notification: NotificationConfig{
			Channel:        getEnv("NOTIFY_CHANNEL", "solsync:transitions"),
			DedupTTLHours:  getEnvAsInt("NOTIFY_DEDUP_TTL_HOURS", 72),
			WebhookURL:     getEnv("NOTIFY_WEBHOOK_URL", ""),
			SMSSenderID:    getEnv("NOTIFY_SMS_SENDER_ID", ""),
			PublishToRedis: getEnvAsBool("NOTIFY_PUBLISH_REDIS", true),
		},
		Dispatch: DispatchConfig{
			Capacity:             capacity,
			FallbackTag:          strings.ToLower(strings.TrimSpace(getEnv("DISPATCH_FALLBACK_TAG", "general"))),
			KnownTags:            getEnvAsList("DISPATCH_KNOWN_TAGS", []string{"battery", "panel", "inverter", "wiring", "general"}),
			SweepIntervalSeconds: getEnvAsInt("DISPATCH_SWEEP_INTERVAL_SECONDS", 30),
			SeedFile:             os.Getenv("DISPATCH_SEED_FILE"),
		},
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// SweepInterval returns the periodic sweep interval; zero disables the ticker.
func (d DispatchConfig) SweepInterval() time.Duration {
	if d.SweepIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(d.SweepIntervalSeconds) * time.Second
}

// DedupTTL returns how long a delivered transition key is remembered.
func (n NotificationConfig) DedupTTL() time.Duration {
	if n.DedupTTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(n.DedupTTLHours) * time.Hour
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
