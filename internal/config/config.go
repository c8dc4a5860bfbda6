package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr        string
	LogLevel    string
	RedisURL    string
	DatabaseURL string

	OTLPEndpoint string
	AWSRegion    string

	// AlertTopicARN receives operator alerts (credential down, budget
	// exhausted). UsageQueueURL receives finished usage records for the
	// billing pipeline. Both optional.
	AlertTopicARN string
	UsageQueueURL string

	AdminAuthEnabled bool
	AdminKeyHash     string // bcrypt hash of the admin API key

	// Dev-mode upstream credential, seeded into the pool when no
	// database is configured.
	UpstreamBaseURL string
	UpstreamAPIKey  string

	CredentialReload time.Duration

	// Relay knobs.
	MaxRounds            int
	MaxUpstreamAttempts  int
	MaxOutputTokens      int
	ToolTimeout          time.Duration
	ThinkingBudgetTokens int
	SummaryModel         string

	// Graceful shutdown
	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration
}

func Load() (*Config, error) {
	// .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg := &Config{
		Addr:                 getEnv("ADDR", ":8080"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		RedisURL:             getEnv("REDIS_URL", ""),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		OTLPEndpoint:         getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:            getEnv("AWS_REGION", ""),
		AlertTopicARN:        getEnv("ALERT_TOPIC_ARN", ""),
		UsageQueueURL:        getEnv("USAGE_QUEUE_URL", ""),
		AdminAuthEnabled:     getEnv("ADMIN_AUTH_ENABLED", "false") == "true",
		AdminKeyHash:         getEnv("ADMIN_KEY_HASH", ""),
		UpstreamBaseURL:      getEnv("UPSTREAM_BASE_URL", "https://api.anthropic.com"),
		UpstreamAPIKey:       getEnv("UPSTREAM_API_KEY", ""),
		CredentialReload:     getDurationEnv("CREDENTIAL_RELOAD_SECONDS", 60*time.Second),
		MaxRounds:            getIntEnv("MAX_ROUNDS", 8),
		MaxUpstreamAttempts:  getIntEnv("MAX_UPSTREAM_ATTEMPTS", 3),
		MaxOutputTokens:      getIntEnv("MAX_OUTPUT_TOKENS", 16000),
		ToolTimeout:          getDurationEnv("TOOL_TIMEOUT_SECONDS", 120*time.Second),
		ThinkingBudgetTokens: getIntEnv("THINKING_BUDGET_TOKENS", 4096),
		SummaryModel:         getEnv("SUMMARY_MODEL", "claude-3-5-haiku-20241022"),
		ShutdownTimeout:      getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		DrainTimeout:         getDurationEnv("DRAIN_TIMEOUT", 15*time.Second),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
