// Package config loads runtime configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"keeper_server/pkg/apperr"
)

// Config is the full runtime configuration.
type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// Database
	DatabaseURL string
	RedisURL    string
	MongoDBURL  string
	MongoDBName string

	// Sessions
	JWTSecret  string
	SessionTTL time.Duration

	// Multi-user
	MultiUserMode bool

	// Token vault
	StoragePath        string
	TokenEncryptionKey string

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURI  string
	GmailBatchSize     int

	// Worker
	WorkerCount      int
	WorkerMaxRetries int
	JobTimeoutSec    int
	UserRefreshSec   int

	// Scheduler
	SchedulerEnabled bool
}

// Load reads the environment, honoring a .env file when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		MongoDBURL:  getEnv("MONGODB_URL", ""),
		MongoDBName: getEnv("MONGODB_DATABASE", "keeper"),

		JWTSecret:  getEnv("JWT_SECRET", ""),
		SessionTTL: time.Duration(getEnvInt("SESSION_TTL_HOUR", 24)) * time.Hour,

		MultiUserMode: getEnvBool("MULTI_USER_MODE", false),

		StoragePath:        getEnv("STORAGE_PATH", defaultStoragePath()),
		TokenEncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", ""),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURI:  getEnv("GOOGLE_REDIRECT_URI", "http://localhost:8080/oauth/callback"),
		GmailBatchSize:     getEnvInt("GMAIL_BATCH_SIZE", 100),

		WorkerCount:      getEnvInt("WORKER_COUNT", 4),
		WorkerMaxRetries: getEnvInt("WORKER_MAX_RETRIES", 3),
		JobTimeoutSec:    getEnvInt("JOB_TIMEOUT_SEC", 120),
		UserRefreshSec:   getEnvInt("USER_REFRESH_SEC", 30),

		SchedulerEnabled: getEnvBool("SCHEDULER_ENABLED", true),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that have no workable default.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return apperr.ConfigError("DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		return apperr.ConfigError("JWT_SECRET is required")
	}
	if c.TokenEncryptionKey == "" {
		return apperr.ConfigError("TOKEN_ENCRYPTION_KEY is required")
	}
	if c.GoogleClientID == "" || c.GoogleClientSecret == "" {
		return apperr.ConfigError("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET are required")
	}
	if c.GmailBatchSize < 1 || c.GmailBatchSize > 1000 {
		return apperr.ConfigError("GMAIL_BATCH_SIZE must be between 1 and 1000")
	}
	return nil
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return home + "/.keeper"
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
