package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port            string
	Environment     string
	SupabaseURL     string
	SupabaseKey     string
	SupabaseDBURL   string
	SupabaseJWKSURL string // Constructed from SupabaseURL + /auth/v1/.well-known/jwks.json
	CORSOrigins     string
	TablePrefix     string
	// LLM Configuration
	AnthropicAPIKey  string
	OpenRouterAPIKey string
	DefaultProvider  string
	DefaultModel     string
	// Debug flags
	Debug bool // Loaded from DEBUG; no component reads it, SSE event IDs are sent regardless

	// Orchestrator tuning (spec.md §6's enumerated configuration options).
	MaxIterations    int           // C7 hard round cap, per §4.6.
	MessageWindow    int           // C6 history rehydration cap.
	TurnTimeout      time.Duration // C11 per-turn timeout; 0 disables it.
	RetryMaxAttempts int
	RetryInitialMs   time.Duration
	RetryMaxMs       time.Duration
	RetryFactor      float64

	// Per-conversation/session quotas the persistence port enforces.
	MaxMessagesPerConversation int
	MaxConversationsPerUser    int

	// Tool execution policy defaults (per-request fields may override).
	ParallelToolsEnabled bool
	ParallelConcurrency  int
	ParallelToolsTimeout time.Duration

	// SoftIterations injects a wrap-up notice to the model this many tool
	// rounds in, ahead of the MaxIterations hard stop; 0 disables it.
	SoftIterations int
}

func Load() *Config {
	env := getEnv("ENVIRONMENT", "dev")
	tablePrefix := getTablePrefix(env)
	supabaseURL := getEnv("SUPABASE_URL", "")

	// Construct JWKS URL from Supabase URL
	jwksURL := supabaseURL + "/auth/v1/.well-known/jwks.json"

	return &Config{
		Port:            getEnv("PORT", "8080"),
		Environment:     env,
		SupabaseURL:     supabaseURL,
		SupabaseKey:     getEnv("SUPABASE_KEY", ""),
		SupabaseDBURL:   getEnv("SUPABASE_DB_URL", ""),
		SupabaseJWKSURL: jwksURL,
		CORSOrigins:     getEnv("CORS_ORIGINS", "http://localhost:3000"),
		TablePrefix:     tablePrefix,
		// LLM Configuration
		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		OpenRouterAPIKey: getEnv("OPENROUTER_API_KEY", ""),
		DefaultProvider:  getEnv("DEFAULT_PROVIDER", "anthropic"),
		DefaultModel:     getEnv("DEFAULT_MODEL", "claude-haiku-4-5-20251001"),
		// Debug flags - default to true in dev/test, false in production
		Debug: getEnv("DEBUG", getDefaultDebug(env)) == "true",

		MaxIterations: getEnvInt("MAX_ITERATIONS", 10),
		MessageWindow: getEnvInt("MESSAGE_WINDOW", 200),
		TurnTimeout:   getEnvDurationMs("TURN_TIMEOUT_MS", 0),

		RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryInitialMs:   getEnvDurationMs("RETRY_INITIAL_DELAY_MS", 1000),
		RetryMaxMs:       getEnvDurationMs("RETRY_MAX_DELAY_MS", 60000),
		RetryFactor:      getEnvFloat("RETRY_BACKOFF_MULTIPLIER", 2.0),

		MaxMessagesPerConversation: getEnvInt("MAX_MESSAGES_PER_CONVERSATION", 0),
		MaxConversationsPerUser:    getEnvInt("MAX_CONVERSATIONS_PER_USER", 0),

		ParallelToolsEnabled: getEnv("PARALLEL_TOOLS_ENABLED", "false") == "true",
		ParallelConcurrency:  getEnvInt("PARALLEL_TOOLS_CONCURRENCY", 3),
		ParallelToolsTimeout: getEnvDurationMs("PARALLEL_TOOLS_TIMEOUT_MS", 10000),

		SoftIterations: getEnvInt("SOFT_ITERATIONS", 0),
	}
}

// getDefaultDebug returns the default debug setting based on environment
func getDefaultDebug(env string) string {
	if env == "prod" {
		return "false"
	}
	return "true" // Enable DEBUG in dev/test by default
}

// getTablePrefix returns the table prefix based on environment
func getTablePrefix(env string) string {
	// Allow manual override via TABLE_PREFIX env var
	if prefix := os.Getenv("TABLE_PREFIX"); prefix != "" {
		return prefix
	}

	// Auto-generate based on environment
	switch env {
	case "prod":
		return "prod_"
	case "test":
		return "test_"
	case "dev":
		return "dev_"
	default:
		return "dev_"
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDurationMs reads key as a millisecond count, defaulting to
// defaultMs when unset or invalid.
func getEnvDurationMs(key string, defaultMs int) time.Duration {
	ms := getEnvInt(key, defaultMs)
	return time.Duration(ms) * time.Millisecond
}
