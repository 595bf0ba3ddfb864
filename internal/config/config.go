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
	AppName     string
	AppVersion  string
	Environment string
	LogLevel    string

	HTTPAddr string

	OTLPEndpoint string
	OTLPProtocol string
	OtelEnabled  bool

	DB DBConfig

	Ingest    IngestConfig
	RateLimit RateLimitConfig
	Worker    WorkerConfig
	Breaker   BreakerConfig
	Aggregate AggregateConfig
	Guardrail GuardrailConfig
}

type DBConfig struct {
	Type            string
	Host            string
	Port            string
	Name            string
	User            string
	Password        string
	SSLMode         string
	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime int
}

// IngestConfig bounds what the gateway accepts.
type IngestConfig struct {
	MaxPropertyBytes int
	IdempotencyTTL   time.Duration
}

type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	AppRate       float64
	AppBurst      int
}

type WorkerConfig struct {
	RoutesPath      string
	Concurrency     int
	BatchSize       int
	PollInterval    time.Duration
	LeaseTimeout    time.Duration
	DispatchTimeout time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffFactor   float64
	BackoffMax      time.Duration
	BackoffJitter   float64
}

type BreakerConfig struct {
	FailureThreshold int
	CoolDown         time.Duration
	CoolDownFactor   float64
	CoolDownMax      time.Duration
	HalfOpenTrials   int
	SuccessThreshold int
}

type AggregateConfig struct {
	CatalogPath       string
	PollInterval      time.Duration
	BatchSize         int
	ReservoirCapacity int
}

type GuardrailConfig struct {
	Path  string
	Watch bool
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "beacon"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),

		HTTPAddr: getenv("HTTP_ADDR", ":8080"),

		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPProtocol: strings.ToLower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
		OtelEnabled:  getenvBool("OTEL_ENABLED", false),

		DB: DBConfig{
			Type:            getenv("DATABASE_TYPE", "postgres"),
			Host:            getenv("DATABASE_HOST", "localhost"),
			Port:            getenv("DATABASE_PORT", "5432"),
			Name:            getenv("DATABASE_NAME", "beacon"),
			User:            getenv("DATABASE_USER", "postgres"),
			Password:        getenv("DATABASE_PASSWORD", ""),
			SSLMode:         getenv("DATABASE_SSLMODE", "disable"),
			MaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
			MaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
			ConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		},

		Ingest: IngestConfig{
			MaxPropertyBytes: getenvInt("INGEST_MAX_PROPERTY_BYTES", 32*1024),
			IdempotencyTTL:   getenvDuration("INGEST_IDEMPOTENCY_TTL", 24*time.Hour),
		},

		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:     getenv("RATE_LIMIT_REDIS_ADDR", ""),
			RedisPassword: getenv("RATE_LIMIT_REDIS_PASSWORD", ""),
			RedisDB:       getenvInt("RATE_LIMIT_REDIS_DB", 0),
			AppRate:       getenvFloat("RATE_LIMIT_APP_RATE", 200),
			AppBurst:      getenvInt("RATE_LIMIT_APP_BURST", 400),
		},

		Worker: WorkerConfig{
			RoutesPath:      getenv("DELIVERY_ROUTES_PATH", "delivery_routes.yaml"),
			Concurrency:     getenvInt("DELIVERY_CONCURRENCY", 4),
			BatchSize:       getenvInt("DELIVERY_BATCH_SIZE", 50),
			PollInterval:    getenvDuration("DELIVERY_POLL_INTERVAL", 2*time.Second),
			LeaseTimeout:    getenvDuration("DELIVERY_LEASE_TIMEOUT", 30*time.Second),
			DispatchTimeout: getenvDuration("DELIVERY_DISPATCH_TIMEOUT", 10*time.Second),
			MaxAttempts:     getenvInt("DELIVERY_MAX_ATTEMPTS", 8),
			BackoffBase:     getenvDuration("DELIVERY_BACKOFF_BASE", time.Second),
			BackoffFactor:   getenvFloat("DELIVERY_BACKOFF_FACTOR", 2.0),
			BackoffMax:      getenvDuration("DELIVERY_BACKOFF_MAX", 5*time.Minute),
			BackoffJitter:   getenvFloat("DELIVERY_BACKOFF_JITTER", 0.2),
		},

		Breaker: BreakerConfig{
			FailureThreshold: getenvInt("BREAKER_FAILURE_THRESHOLD", 5),
			CoolDown:         getenvDuration("BREAKER_COOL_DOWN", 30*time.Second),
			CoolDownFactor:   getenvFloat("BREAKER_COOL_DOWN_FACTOR", 2.0),
			CoolDownMax:      getenvDuration("BREAKER_COOL_DOWN_MAX", 10*time.Minute),
			HalfOpenTrials:   getenvInt("BREAKER_HALF_OPEN_TRIALS", 1),
			SuccessThreshold: getenvInt("BREAKER_SUCCESS_THRESHOLD", 2),
		},

		Aggregate: AggregateConfig{
			CatalogPath:       getenv("AGGREGATE_KPIS_PATH", "kpis.yaml"),
			PollInterval:      getenvDuration("AGGREGATE_POLL_INTERVAL", time.Second),
			BatchSize:         getenvInt("AGGREGATE_BATCH_SIZE", 500),
			ReservoirCapacity: getenvInt("AGGREGATE_RESERVOIR_CAPACITY", 2048),
		},

		Guardrail: GuardrailConfig{
			Path:  getenv("GUARDRAIL_CONFIG_PATH", "guardrails.yaml"),
			Watch: getenvBool("GUARDRAIL_CONFIG_WATCH", true),
		},
	}
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
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

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
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
