// Package config handles loading and validation of application configuration
// from environment variables. Supports .env files via godotenv.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "dev-secret-change-in-production"

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port        int
	Environment string // "development" | "staging" | "production"

	// Persistence
	StoreDriver string
	DatabaseURL string
	SQLitePath  string

	// Security
	JWTSecret      string
	AllowedOrigins []string
	RateLimitRPM   int

	// Event fan-out. Empty RedisURL disables the Redis notifier.
	RedisURL      string
	NotifyChannel string

	// Playbooks
	TemplateDir  string
	TickInterval time.Duration

	// Report ledger
	MerkleRebuildInterval int // minutes

	// Report archive. Empty bucket disables archiving.
	ArchiveBucket   string
	ArchivePrefix   string
	ArchiveRegion   string
	ArchiveEndpoint string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnvInt("PORT", 8080),
		Environment: getEnv("ENVIRONMENT", "development"),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", DriverSQLite)),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", "playbook-runner.db"),

		JWTSecret:      getEnv("JWT_SECRET", defaultJWTSecret),
		AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000"), ","),
		RateLimitRPM:   getEnvInt("RATE_LIMIT_RPM", 120),

		RedisURL:      getEnv("REDIS_URL", ""),
		NotifyChannel: getEnv("NOTIFY_CHANNEL", "playbook.events"),

		TemplateDir:  getEnv("TEMPLATE_DIR", "templates"),
		TickInterval: time.Duration(getEnvInt("TICK_INTERVAL_MS", 1000)) * time.Millisecond,

		MerkleRebuildInterval: getEnvInt("MERKLE_REBUILD_INTERVAL", 5),

		ArchiveBucket:   getEnv("REPORT_ARCHIVE_BUCKET", ""),
		ArchivePrefix:   getEnv("REPORT_ARCHIVE_PREFIX", "reports/"),
		ArchiveRegion:   getEnv("AWS_REGION", ""),
		ArchiveEndpoint: getEnv("REPORT_ARCHIVE_ENDPOINT", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL_MS must be positive")
	}
	if c.MerkleRebuildInterval <= 0 {
		return fmt.Errorf("MERKLE_REBUILD_INTERVAL must be positive")
	}

	// Validate required fields in production
	if c.Environment == "production" {
		if c.JWTSecret == defaultJWTSecret {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if c.StoreDriver == DriverMemory {
			return fmt.Errorf("STORE_DRIVER=memory is not allowed in production")
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}
