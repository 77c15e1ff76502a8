package app

import (
	"os"
	"strings"
	"time"

	"github.com/conduitrun/conduit/internal/platform/envutil"
	"github.com/conduitrun/conduit/internal/platform/logger"
)

// Config is every environment-driven knob the control plane and the
// worker processes it wires need, gathered in one place the way the
// teacher's app.Config does for its own (much smaller) surface.
type Config struct {
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string

	BindAddr string

	WorkerPoolName    string
	WorkerPoolRuntime string
	WorkerConcurrency int
	LeaseDuration     time.Duration

	BrokerPollInterval time.Duration

	CredentialEncryptionKey string // 32 raw bytes, base64 or hex not required: caller supplies exact length
	JWTSigningKey           string
	AssertionTTL            time.Duration

	RedisAddr    string
	RedisChannel string

	OtelServiceName string
	OtelEnvironment string
}

func getEnv(name, def string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	return v
}

// LoadConfig reads every knob from the environment, matching the
// teacher's pattern of centralizing env access in one function so the
// rest of the app never calls os.Getenv directly.
func LoadConfig(log *logger.Logger) Config {
	cfg := Config{
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresDB:       getEnv("POSTGRES_DB", "conduit"),

		BindAddr: getEnv("BIND_ADDR", ":8080"),

		WorkerPoolName:    getEnv("WORKER_POOL_NAME", ""),
		WorkerPoolRuntime: getEnv("WORKER_POOL_RUNTIME", ""),
		WorkerConcurrency: envutil.Int("WORKER_CONCURRENCY", 4),
		LeaseDuration:     time.Duration(envutil.Int("LEASE_DURATION_SECONDS", 120)) * time.Second,

		BrokerPollInterval: time.Duration(envutil.Int("BROKER_POLL_INTERVAL_SECONDS", 2)) * time.Second,

		CredentialEncryptionKey: getEnv("CREDENTIAL_ENCRYPTION_KEY", ""),
		JWTSigningKey:           getEnv("JWT_SIGNING_KEY", "dev-signing-key-do-not-use-in-prod"),
		AssertionTTL:            time.Duration(envutil.Int("ASSERTION_TTL_SECONDS", 900)) * time.Second,

		RedisAddr:    getEnv("REDIS_ADDR", ""),
		RedisChannel: getEnv("REDIS_CHANNEL", "conduit.progress"),

		OtelServiceName: getEnv("OTEL_SERVICE_NAME", "conduit"),
		OtelEnvironment: getEnv("OTEL_ENVIRONMENT", "development"),
	}
	if tz := getEnv("TZ", "UTC"); !strings.EqualFold(tz, "UTC") {
		if log != nil {
			log.Warn("TZ is not UTC; every component must agree on UTC for event timestamps to compare meaningfully", "tz", tz)
		}
	}

	if log != nil {
		log.Info("config loaded", "worker_pool", cfg.WorkerPoolName, "bind_addr", cfg.BindAddr)
	}
	return cfg
}
