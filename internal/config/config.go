// package config provides an environment-backed configuration loader
// used by the processor bootstrap (cmd/processor/main.go).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the runtime configuration for the processor and its
// collaborators. Every field maps to one environment variable.
type Config struct {
	// Object store (S3-compatible endpoint, e.g. Supabase Storage / MinIO)
	S3Endpoint  string // OBJSTORE_S3_ENDPOINT
	S3Region    string // OBJSTORE_S3_REGION
	S3AccessKey string // OBJSTORE_S3_ACCESS_KEY
	S3SecretKey string // OBJSTORE_S3_SECRET_KEY
	Bucket      string // OBJSTORE_BUCKET_NAME

	IncomingPrefix  string // INCOMING_PREFIX (default incoming/)
	StagingPrefix   string // STAGING_PREFIX (default staging/)
	ProcessedPrefix string // PROCESSED_PREFIX (default processed/)

	// Poll loop
	PollInterval time.Duration // PROCESSOR_POLL_SECONDS (default 10s)
	TmpDir       string        // PROCESSOR_LOCAL_TMP (default tmp)
	LedgerPath   string        // PROCESSOR_STATE_PATH (default <TmpDir>/processor_state.json)
	LockWait     time.Duration // PROCESSOR_LOCK_WAIT_SECONDS (default 10s)

	// Record mapper / submission
	MapperVersion   string // MAPPER_VERSION (default 1.0.0)
	CorrelationNS   string // CORRELATION_NAMESPACE (default ingest)
	IngestURL       string // INGEST_SERVICE_URL
	CallbackURL     string // INGEST_CALLBACK_URL
	IngestTimeout   time.Duration // INGEST_TIMEOUT_SECONDS (default 30s)
	IngestRetries   int           // INGEST_RETRIES (default 2)
	WebhookAddr     string        // WEBHOOK_LISTEN_ADDR (default :8000)
	WebhookEventKey string        // WEBHOOK_EVENT_PATH (default ingest-complete)

	// FX rate resolver
	FXRPCURL      string        // FX_RPC_URL (primary XML-RPC endpoint)
	FXFallbackURL string        // EXTERNAL_API_FX_URL (REST fallback)
	FXTimeout     time.Duration // FX_TIMEOUT_SECONDS (default 8s)

	// Weather enrichment
	WeatherEnabled     bool          // WEATHER_ENABLED
	WeatherBaseURL     string        // WEATHER_API_BASE_URL
	WeatherTimeout     time.Duration // WEATHER_TIMEOUT_SECONDS (default 1s)
	WeatherCacheTTL    time.Duration // WEATHER_CACHE_TTL_SECONDS (default 24h)
	WeatherDecimals    int           // WEATHER_ROUND_DECIMALS (default 1)
	WeatherRPS         float64       // WEATHER_RPS (default 5)
	WeatherBatchBudget int           // WEATHER_BATCH_BUDGET (default 100)
	WeatherFailMax     int           // WEATHER_FAIL_STREAK_MAX (default 5)
	WeatherCooldown    time.Duration // WEATHER_FAIL_COOLDOWN_SECONDS (default 60s)

	// Optional infrastructure
	DatabaseURL  string   // DATABASE_URL (Postgres outcome recorder)
	KafkaBrokers []string // KAFKA_BROKERS (comma separated)
	KafkaTopic   string   // KAFKA_TOPIC
}

// LoadFromEnv reads config values from environment variables and returns a
// Config pointer with defaults applied.
func LoadFromEnv() *Config {
	cfg := &Config{
		S3Endpoint:  os.Getenv("OBJSTORE_S3_ENDPOINT"),
		S3Region:    envOr("OBJSTORE_S3_REGION", "eu-central-1"),
		S3AccessKey: os.Getenv("OBJSTORE_S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("OBJSTORE_S3_SECRET_KEY"),
		Bucket:      os.Getenv("OBJSTORE_BUCKET_NAME"),

		IncomingPrefix:  envOr("INCOMING_PREFIX", "incoming/"),
		StagingPrefix:   envOr("STAGING_PREFIX", "staging/"),
		ProcessedPrefix: envOr("PROCESSED_PREFIX", "processed/"),

		PollInterval: envSeconds("PROCESSOR_POLL_SECONDS", 10),
		TmpDir:       envOr("PROCESSOR_LOCAL_TMP", "tmp"),
		LockWait:     envSeconds("PROCESSOR_LOCK_WAIT_SECONDS", 10),

		MapperVersion:   envOr("MAPPER_VERSION", "1.0.0"),
		CorrelationNS:   envOr("CORRELATION_NAMESPACE", "ingest"),
		IngestURL:       os.Getenv("INGEST_SERVICE_URL"),
		CallbackURL:     os.Getenv("INGEST_CALLBACK_URL"),
		IngestTimeout:   envSeconds("INGEST_TIMEOUT_SECONDS", 30),
		IngestRetries:   envInt("INGEST_RETRIES", 2),
		WebhookAddr:     envOr("WEBHOOK_LISTEN_ADDR", ":8000"),
		WebhookEventKey: envOr("WEBHOOK_EVENT_PATH", "ingest-complete"),

		FXRPCURL:      os.Getenv("FX_RPC_URL"),
		FXFallbackURL: envOr("EXTERNAL_API_FX_URL", "https://api.frankfurter.app/latest?from=EUR&to=USD"),
		FXTimeout:     envSeconds("FX_TIMEOUT_SECONDS", 8),

		WeatherBaseURL:     envOr("WEATHER_API_BASE_URL", "https://api.open-meteo.com/v1/forecast"),
		WeatherTimeout:     envSeconds("WEATHER_TIMEOUT_SECONDS", 1),
		WeatherCacheTTL:    envSeconds("WEATHER_CACHE_TTL_SECONDS", 86400),
		WeatherDecimals:    envInt("WEATHER_ROUND_DECIMALS", 1),
		WeatherRPS:         envFloat("WEATHER_RPS", 5),
		WeatherBatchBudget: envInt("WEATHER_BATCH_BUDGET", 100),
		WeatherFailMax:     envInt("WEATHER_FAIL_STREAK_MAX", 5),
		WeatherCooldown:    envSeconds("WEATHER_FAIL_COOLDOWN_SECONDS", 60),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		KafkaTopic:  os.Getenv("KAFKA_TOPIC"),
	}

	if cfg.LedgerPath = os.Getenv("PROCESSOR_STATE_PATH"); cfg.LedgerPath == "" {
		cfg.LedgerPath = cfg.TmpDir + "/processor_state.json"
	}

	// booleans parsed permissively; default false
	if v := os.Getenv("WEATHER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.WeatherEnabled = b
		} else {
			cfg.WeatherEnabled = v == "1"
		}
	}

	if raw := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); raw != "" {
		for _, b := range strings.Split(raw, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}
