/**
 * Configuration for the Document Forensics Worker
 *
 * Loads configuration from environment variables (optionally seeded from .env)
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
	// Redis configuration (asynq broker and job state store)
	RedisURL string

	// PostgreSQL configuration. Empty disables the analysis audit table.
	DatabaseURL string

	// Local SQLite archive, used when DATABASE_URL is empty
	ArchiveSQLitePath string

	// Qdrant vector database configuration. Empty disables signature indexing.
	QdrantURL        string
	QdrantCollection string

	// Model server
	ModelServerURL  string
	ClassifierModel string
	ModelFamily     string

	// Sliding-window inference
	PatchSize int
	Stride    int
	InputSize int

	// Explainability
	ExplainThreshold        float64
	ExplanationFailureFatal bool

	// Worker configuration
	WorkerConcurrency int
	ProcessingTimeout int // milliseconds
	MaxRetries        int
	ResultTTLHours    int

	// OCR / rasterization
	TesseractLang string
	PdftoppmPath  string
	RasterDPI     int

	// Directory that holds uploads and derived page images
	UploadDir string

	// Submission API listen port
	APIPort string
	// Largest accepted upload in bytes
	MaxUploadBytes int64

	// Logging
	LogLevel  string
	LogFormat string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:                getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		DatabaseURL:             getEnvOrDefault("DATABASE_URL", ""),
		ArchiveSQLitePath:       getEnvOrDefault("ARCHIVE_SQLITE_PATH", ""),
		QdrantURL:               getEnvOrDefault("QDRANT_URL", ""),
		QdrantCollection:        getEnvOrDefault("QDRANT_COLLECTION", "forgery_signatures"),
		ModelServerURL:          getEnvOrDefault("MODEL_SERVER_URL", "http://localhost:8085"),
		ClassifierModel:         getEnvOrDefault("CLASSIFIER_MODEL", "forgery-classifier"),
		ModelFamily:             getEnvOrDefault("MODEL_FAMILY", "transformer"),
		PatchSize:               getEnvAsIntOrDefault("PATCH_SIZE", 256),
		Stride:                  getEnvAsIntOrDefault("STRIDE", 128),
		InputSize:               getEnvAsIntOrDefault("INPUT_SIZE", 224),
		ExplainThreshold:        getEnvAsFloatOrDefault("EXPLAIN_THRESHOLD", 0.2),
		ExplanationFailureFatal: getEnvAsBoolOrDefault("EXPLANATION_FAILURE_FATAL", true),
		WorkerConcurrency:       getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		ProcessingTimeout:       getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 300000), // 5 minutes
		MaxRetries:              getEnvAsIntOrDefault("MAX_RETRIES", 3),
		ResultTTLHours:          getEnvAsIntOrDefault("RESULT_TTL_HOURS", 24),
		TesseractLang:           getEnvOrDefault("TESSERACT_LANG", "eng"),
		PdftoppmPath:            getEnvOrDefault("PDFTOPPM_PATH", "pdftoppm"),
		RasterDPI:               getEnvAsIntOrDefault("RASTER_DPI", 200),
		UploadDir:               getEnvOrDefault("UPLOAD_DIR", "uploads"),
		APIPort:                 getEnvOrDefault("PORT", "8080"),
		MaxUploadBytes:          int64(getEnvAsIntOrDefault("MAX_UPLOAD_MB", 25)) << 20,
		LogLevel:                getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:               getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.ModelServerURL == "" {
		return fmt.Errorf("MODEL_SERVER_URL is required")
	}

	switch c.ModelFamily {
	case "transformer", "convolutional", "fallback":
	default:
		return fmt.Errorf("MODEL_FAMILY must be one of transformer, convolutional, fallback, got %q", c.ModelFamily)
	}

	if c.PatchSize < 1 {
		return fmt.Errorf("PATCH_SIZE must be positive, got %d", c.PatchSize)
	}

	if c.Stride < 1 || c.Stride > c.PatchSize {
		return fmt.Errorf("STRIDE must be between 1 and PATCH_SIZE (%d), got %d", c.PatchSize, c.Stride)
	}

	if c.InputSize < 1 {
		return fmt.Errorf("INPUT_SIZE must be positive, got %d", c.InputSize)
	}

	if c.ExplainThreshold < 0 || c.ExplainThreshold > 1 {
		return fmt.Errorf("EXPLAIN_THRESHOLD must be between 0 and 1, got %v", c.ExplainThreshold)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}

	if c.MaxUploadBytes < 0 {
		return fmt.Errorf("MAX_UPLOAD_MB must not be negative")
	}

	if c.RasterDPI < 36 || c.RasterDPI > 1200 {
		return fmt.Errorf("RASTER_DPI must be between 36 and 1200, got %d", c.RasterDPI)
	}

	return nil
}

// Timeout returns the per-job processing deadline
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.ProcessingTimeout) * time.Millisecond
}

// ResultTTL returns how long terminal job records are retained
func (c *Config) ResultTTL() time.Duration {
	return time.Duration(c.ResultTTLHours) * time.Hour
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

func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
