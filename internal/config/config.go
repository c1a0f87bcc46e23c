package config

import (
	"os"
	"strconv"
)

// Config centralizes runtime settings for the copilot client.
type Config struct {
	APIBaseURL    string
	APITimeoutMS  int
	APIMaxRetries int

	UserID string

	DefaultModelID string

	QueueMaxConcurrent   int
	StreamTimeoutSeconds int

	ChunkNotifyEveryMS int

	CacheTTLSeconds int
	CacheMaxEntries int

	DirectAPIKey  string
	DirectBaseURL string

	StatusPollMS int

	LoadHistoryOnStart bool
}

func Load() Config {
	return Config{
		APIBaseURL:    getEnv("COPILOT_API_BASE_URL", "http://localhost:8080"),
		APITimeoutMS:  getEnvInt("COPILOT_API_TIMEOUT_MS", 30000),
		APIMaxRetries: getEnvInt("COPILOT_API_MAX_RETRIES", 2),

		UserID: getEnv("COPILOT_USER_ID", "demo-user"),

		DefaultModelID: getEnv("COPILOT_DEFAULT_MODEL", "azure/gpt-5-mini"),

		QueueMaxConcurrent:   getEnvInt("COPILOT_QUEUE_MAX_CONCURRENT", 3),
		StreamTimeoutSeconds: getEnvInt("COPILOT_STREAM_TIMEOUT_SECONDS", 300),

		ChunkNotifyEveryMS: getEnvInt("COPILOT_CHUNK_NOTIFY_MS", 50),

		CacheTTLSeconds: getEnvInt("COPILOT_CACHE_TTL_SECONDS", 900),
		CacheMaxEntries: getEnvInt("COPILOT_CACHE_MAX_ENTRIES", 500),

		DirectAPIKey:  getEnv("COPILOT_DIRECT_API_KEY", ""),
		DirectBaseURL: getEnv("COPILOT_DIRECT_BASE_URL", ""),

		StatusPollMS: getEnvInt("COPILOT_STATUS_POLL_MS", 500),

		LoadHistoryOnStart: getEnvBool("COPILOT_LOAD_HISTORY", true),
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
