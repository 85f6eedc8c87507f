package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the ingestion service. Retry, backoff
// and threshold knobs live here rather than as magic numbers; the
// defaults are the values the pipeline was tuned with.
type Config struct {
	// Environment
	GoEnv    string
	HTTPPort int

	// Source site
	SourceBaseURL string
	ProxyListPath string
	CDNHosts      []string

	// Download engine
	DownloadWorkers      int
	DownloadSlowLatency  time.Duration
	DownloadMinMBps      float64
	DownloadMinSizeBytes int64
	HostCooldown         time.Duration
	DownloadMaxRetries   int
	DownloadRetryDelay   time.Duration

	// Orchestration
	PollInterval  time.Duration
	TaskRetention time.Duration

	// Intermediate storage
	DataDir string

	// External collaborators
	CatalogBaseURL string
	CatalogToken   string
	DatabaseDSN    string // Postgres for sync state; empty disables
	RedisURL       string // task snapshot retention; empty disables

	// Development
	LogLevel string
}

// LoadConfig loads configuration from environment variables, reading a
// .env file first when present.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		// Missing .env is fine, system env vars still apply.
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	config := &Config{}

	if err := loadEnvString(&config.GoEnv, "GO_ENV", "development"); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.HTTPPort, "HTTP_PORT", 8084); err != nil {
		return nil, err
	}

	// Source site
	if err := loadEnvStringRequired(&config.SourceBaseURL, "SOURCE_BASE_URL"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.ProxyListPath, "PROXY_LIST_PATH", ""); err != nil {
		return nil, err
	}
	if err := loadEnvStringSlice(&config.CDNHosts, "CDN_HOSTS", nil); err != nil {
		return nil, err
	}

	// Download engine
	if err := loadEnvInt(&config.DownloadWorkers, "DOWNLOAD_WORKERS", 8); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.DownloadSlowLatency, "DOWNLOAD_SLOW_LATENCY", 4*time.Second); err != nil {
		return nil, err
	}
	if err := loadEnvFloat(&config.DownloadMinMBps, "DOWNLOAD_MIN_MBPS", 1.0); err != nil {
		return nil, err
	}
	if err := loadEnvInt64(&config.DownloadMinSizeBytes, "DOWNLOAD_MIN_SIZE_BYTES", 256*1024); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.HostCooldown, "HOST_COOLDOWN", 120*time.Second); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.DownloadMaxRetries, "DOWNLOAD_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.DownloadRetryDelay, "DOWNLOAD_RETRY_DELAY", time.Second); err != nil {
		return nil, err
	}

	// Orchestration
	if err := loadEnvDuration(&config.PollInterval, "POLL_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.TaskRetention, "TASK_RETENTION", 30*time.Minute); err != nil {
		return nil, err
	}

	// Intermediate storage
	if err := loadEnvString(&config.DataDir, "DATA_DIR", "/app/data/parser"); err != nil {
		return nil, err
	}

	// External collaborators
	if err := loadEnvStringRequired(&config.CatalogBaseURL, "CATALOG_BASE_URL"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.CatalogToken, "CATALOG_INTERNAL_TOKEN", ""); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.DatabaseDSN, "DATABASE_DSN", ""); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.RedisURL, "REDIS_URL", ""); err != nil {
		return nil, err
	}

	// Development
	if err := loadEnvString(&config.LogLevel, "LOG_LEVEL", "debug"); err != nil {
		return nil, err
	}

	return config, nil
}

// Helper functions for type conversion and validation
func loadEnvString(target *string, key, defaultValue string) error {
	if value := os.Getenv(key); value != "" {
		*target = value
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvStringRequired(target *string, key string) error {
	value := os.Getenv(key)
	if value == "" {
		return fmt.Errorf("required environment variable %s is not set", key)
	}
	*target = value
	return nil
}

func loadEnvInt(target *int, key string, defaultValue int) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvInt64(target *int64, key string, defaultValue int64) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvFloat(target *float64, key string, defaultValue float64) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvDuration(target *time.Duration, key string, defaultValue time.Duration) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvStringSlice(target *[]string, key string, defaultValue []string) error {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i, p := range parts {
			parts[i] = strings.TrimSpace(p)
		}
		*target = parts
	} else {
		*target = defaultValue
	}
	return nil
}

// Validate performs validation on the loaded configuration.
func (c *Config) Validate() error {
	var errors []string

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errors = append(errors, "HTTP_PORT must be between 1 and 65535")
	}
	if !strings.HasPrefix(c.SourceBaseURL, "http") {
		errors = append(errors, "SOURCE_BASE_URL must be an http(s) URL")
	}
	if !strings.HasPrefix(c.CatalogBaseURL, "http") {
		errors = append(errors, "CATALOG_BASE_URL must be an http(s) URL")
	}
	if c.DownloadWorkers < 1 || c.DownloadWorkers > 64 {
		errors = append(errors, "DOWNLOAD_WORKERS must be between 1 and 64")
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.LogLevel) {
		errors = append(errors, fmt.Sprintf("LOG_LEVEL must be one of: %s", strings.Join(validLogLevels, ", ")))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}
	return nil
}

// IsDevelopment returns true if the application is running in
// development mode.
func (c *Config) IsDevelopment() bool {
	return c.GoEnv == "development"
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
