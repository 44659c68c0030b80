/**
 * Configuration for the catalogscan worker
 *
 * Loads configuration from environment variables (main loads .env first)
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds worker configuration
type Config struct {
	// HTTP server
	HTTPHost      string
	HTTPPort      int
	MaxUploadSize int64

	// WorkDir receives uploads and per-run scratch files
	WorkDir string

	// Redis configuration (queue + artifact locks)
	RedisURL        string
	QueueName       string
	ArtifactLockTTL time.Duration

	// PostgreSQL configuration (run history, optional outside worker mode)
	DatabaseURL string

	// Worker configuration
	WorkerConcurrency int
	ProcessingTimeout time.Duration

	// Rasterizer / OCR configuration
	RasterDPI      int
	OCRLanguages   []string
	TessdataPrefix string

	LogLevel string
	AppEnv   string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		HTTPHost:          getEnvOrDefault("HTTP_HOST", "0.0.0.0"),
		HTTPPort:          getEnvAsIntOrDefault("HTTP_PORT", 5000),
		MaxUploadSize:     getEnvAsInt64OrDefault("MAX_UPLOAD_SIZE", 104857600), // 100MB
		WorkDir:           getEnvOrDefault("UPLOAD_FOLDER", "uploads"),
		RedisURL:          getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		QueueName:         getEnvOrDefault("QUEUE_NAME", "catalogscan:jobs"),
		ArtifactLockTTL:   getEnvAsMillisOrDefault("ARTIFACT_LOCK_TTL", 900000),   // 15 minutes
		DatabaseURL:       getEnvOrDefault("DATABASE_URL", ""),
		WorkerConcurrency: getEnvAsIntOrDefault("WORKER_CONCURRENCY", 2),
		ProcessingTimeout: getEnvAsMillisOrDefault("PROCESSING_TIMEOUT", 600000), // 10 minutes
		RasterDPI:         getEnvAsIntOrDefault("RASTER_DPI", 200),
		OCRLanguages:      splitList(getEnvOrDefault("OCR_LANGUAGES", "eng")),
		TessdataPrefix:    getEnvOrDefault("TESSDATA_PREFIX", ""),
		LogLevel:          getEnvOrDefault("LOG_LEVEL", "info"),
		AppEnv:            getEnvOrDefault("APP_ENV", "development"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("UPLOAD_FOLDER is required")
	}

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535, got %d", c.HTTPPort)
	}

	if c.MaxUploadSize < 1024 || c.MaxUploadSize > 2147483648 { // 1KB to 2GB
		return fmt.Errorf("MAX_UPLOAD_SIZE must be between 1KB and 2GB, got %d", c.MaxUploadSize)
	}

	if c.RasterDPI < 50 || c.RasterDPI > 1200 {
		return fmt.Errorf("RASTER_DPI must be between 50 and 1200, got %d", c.RasterDPI)
	}

	if len(c.OCRLanguages) == 0 {
		return fmt.Errorf("OCR_LANGUAGES must name at least one language")
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.ProcessingTimeout < time.Second {
		return fmt.Errorf("PROCESSING_TIMEOUT must be at least 1000ms, got %v", c.ProcessingTimeout)
	}

	if c.ArtifactLockTTL < c.ProcessingTimeout {
		return fmt.Errorf("ARTIFACT_LOCK_TTL (%v) must not be shorter than PROCESSING_TIMEOUT (%v)",
			c.ArtifactLockTTL, c.ProcessingTimeout)
	}

	return nil
}

// ValidateWorker checks the settings only the queue worker needs
func (c *Config) ValidateWorker() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.QueueName == "" {
		return fmt.Errorf("QUEUE_NAME is required")
	}

	return nil
}

// ListenAddr returns host:port for the HTTP server
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPHost, c.HTTPPort)
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsMillisOrDefault reads a millisecond count as a duration
func getEnvAsMillisOrDefault(key string, defaultMillis int64) time.Duration {
	return time.Duration(getEnvAsInt64OrDefault(key, defaultMillis)) * time.Millisecond
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == '+' }) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
