package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataPath         string
	RegistryPath     string
	ExportPath       string
	CatalogPath      string
	LogLevel         string
	Port             int
	DevMode          bool
	FREDAPIKey       string
	FetchConcurrency int
	UpdateSchedule   string // cron expression for the scheduled refresh

	// S3-compatible publish target (Cloudflare R2 or AWS), optional.
	S3Bucket    string
	S3Endpoint  string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3Prefix    string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnvAsInt("GO_PORT", 8001),
		DevMode:          getEnvAsBool("DEV_MODE", false),
		DataPath:         getEnv("DATA_PATH", "./data"),
		RegistryPath:     getEnv("REGISTRY_PATH", "./config/series.yml"),
		ExportPath:       getEnv("EXPORT_PATH", "./export/latest"),
		CatalogPath:      getEnv("CATALOG_PATH", "./data/catalog.db"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		FREDAPIKey:       getEnv("FRED_API_KEY", ""),
		FetchConcurrency: getEnvAsInt("FETCH_CONCURRENCY", 4),
		UpdateSchedule:   getEnv("UPDATE_SCHEDULE", "0 0 6 * * MON-FRI"),
		S3Bucket:         getEnv("S3_BUCKET", ""),
		S3Endpoint:       getEnv("S3_ENDPOINT", ""),
		S3Region:         getEnv("S3_REGION", "auto"),
		S3AccessKey:      getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretKey:      getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3Prefix:         getEnv("S3_PREFIX", ""),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.DataPath == "" {
		return fmt.Errorf("DATA_PATH is required")
	}
	if c.RegistryPath == "" {
		return fmt.Errorf("REGISTRY_PATH is required")
	}
	if c.FetchConcurrency < 1 {
		return fmt.Errorf("FETCH_CONCURRENCY must be at least 1")
	}

	// FRED credentials are optional: the fetcher degrades to the keyless sources.

	return nil
}

// S3Enabled reports whether a publish target is configured.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
