package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName      string
	AppVersion   string
	Environment  string
	DefaultOrgID int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	HTTPAddr string

	// ResetWorkerEnabled turns the in-process reset scan off for deployments
	// that run a dedicated resetd instead.
	ResetWorkerEnabled bool

	Worker    WorkerConfig
	Analytics AnalyticsConfig
	RateLimit RateLimitConfig
}

// RateLimitConfig throttles track ingestion per organization.
type RateLimitConfig struct {
	Enabled       bool
	TrackOrgRate  float64
	TrackOrgBurst int
}

// WorkerConfig controls the deduction worker pool and per-customer locking.
type WorkerConfig struct {
	Concurrency    int
	LockTTL        time.Duration
	RequeueDelay   time.Duration
	DequeueTimeout time.Duration
}

// AnalyticsConfig points the event batcher at an analytics ingestion endpoint.
// Empty endpoint disables the sink.
type AnalyticsConfig struct {
	Endpoint  string
	AuthToken string
	Timeout   time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:      getenv("APP_SERVICE", "meterline"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		DefaultOrgID: getenvInt64("DEFAULT_ORG", 0),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "meterline"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		HTTPAddr: getenv("HTTP_ADDR", ":8080"),

		ResetWorkerEnabled: getenv("RESET_WORKER_ENABLED", "true") == "true",

		Worker: WorkerConfig{
			Concurrency:    getenvInt("WORKER_CONCURRENCY", 8),
			LockTTL:        getenvDuration("WORKER_LOCK_TTL", 30*time.Second),
			RequeueDelay:   getenvDuration("WORKER_REQUEUE_DELAY", 500*time.Millisecond),
			DequeueTimeout: getenvDuration("WORKER_DEQUEUE_TIMEOUT", 2*time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getenv("RATE_LIMIT_ENABLED", "false") == "true",
			TrackOrgRate:  float64(getenvInt("RATE_LIMIT_TRACK_ORG_RATE", 200)),
			TrackOrgBurst: getenvInt("RATE_LIMIT_TRACK_ORG_BURST", 400),
		},
		Analytics: AnalyticsConfig{
			Endpoint:  strings.TrimSpace(getenv("ANALYTICS_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("ANALYTICS_AUTH_TOKEN", "")),
			Timeout:   getenvDuration("ANALYTICS_TIMEOUT", 5*time.Second),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
