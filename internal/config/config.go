/**
 * Configuration for the guide pipeline worker.
 *
 * Loads configuration from environment variables matching .env.guidepipeline
 */

package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration (analyze queue, run locks, progress)
	RedisURL string

	// PostgreSQL configuration
	DatabaseURL string

	// Qdrant vector database configuration (guide similarity index)
	QdrantURL        string
	QdrantCollection string

	// API Keys
	VoyageAPIKey string

	// Service URLs
	ObservationURL string // Vision observation provider
	ExtractionURL  string // Downstream extraction engine (optional)

	// Worker configuration
	WorkerConcurrency  int // Concurrent analyze runs
	ApplierConcurrency int // Concurrent page validations within one run
	AnalyzeTimeout     int // Per-run timeout in milliseconds

	// Observation retry policy: transient failures only
	RetryAttempts  int
	RetryBackoffMs int

	// Stability policy. Defaults are fixed decisions; override only with a
	// corresponding contract change on the consumer side.
	StableThreshold      float64 // score >= this with 0 contradictions => stable
	PartialFloor         float64 // score >= this with 0 contradictions => partial
	StableRatioThreshold float64 // accepted/total below this => no stable guide
	MandatoryMinScore    float64 // relaxed acceptance for mandatory payload kinds

	// Tesseract configuration (local token-summary fallback)
	TesseractPath string

	// Upload storage root for page images
	UploadDir string

	// HTTP retrieval API
	HTTPAddr string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:             getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		DatabaseURL:          getEnvOrThrow("DATABASE_URL"),
		QdrantURL:            getEnvOrDefault("QDRANT_URL", "localhost:6334"),
		QdrantCollection:     getEnvOrDefault("QDRANT_COLLECTION", "visual_guides"),
		VoyageAPIKey:         getEnvOrDefault("VOYAGE_API_KEY", ""),
		ObservationURL:       getEnvOrThrow("OBSERVATION_URL"),
		ExtractionURL:        getEnvOrDefault("EXTRACTION_URL", ""),
		WorkerConcurrency:    getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		ApplierConcurrency:   getEnvAsIntOrDefault("APPLIER_CONCURRENCY", 4),
		AnalyzeTimeout:       getEnvAsIntOrDefault("ANALYZE_TIMEOUT", 600000), // 10 minutes
		RetryAttempts:        getEnvAsIntOrDefault("RETRY_ATTEMPTS", 3),
		RetryBackoffMs:       getEnvAsIntOrDefault("RETRY_BACKOFF_MS", 2000),
		StableThreshold:      getEnvAsFloatOrDefault("STABLE_THRESHOLD", 0.8),
		PartialFloor:         getEnvAsFloatOrDefault("PARTIAL_FLOOR", 0.5),
		StableRatioThreshold: getEnvAsFloatOrDefault("STABLE_RATIO_THRESHOLD", 0.6),
		MandatoryMinScore:    getEnvAsFloatOrDefault("MANDATORY_MIN_SCORE", 0.5),
		TesseractPath:        getEnvOrDefault("TESSERACT_PATH", "/usr/bin/tesseract"),
		UploadDir:            getEnvOrDefault("UPLOAD_DIR", "./uploads"),
		HTTPAddr:             getEnvOrDefault("HTTP_ADDR", ":8097"),
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

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.ObservationURL == "" {
		return fmt.Errorf("OBSERVATION_URL is required")
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.ApplierConcurrency < 1 || c.ApplierConcurrency > 32 {
		return fmt.Errorf("APPLIER_CONCURRENCY must be between 1 and 32, got %d", c.ApplierConcurrency)
	}

	if c.RetryAttempts < 1 || c.RetryAttempts > 10 {
		return fmt.Errorf("RETRY_ATTEMPTS must be between 1 and 10, got %d", c.RetryAttempts)
	}

	for name, v := range map[string]float64{
		"STABLE_THRESHOLD":       c.StableThreshold,
		"PARTIAL_FLOOR":          c.PartialFloor,
		"STABLE_RATIO_THRESHOLD": c.StableRatioThreshold,
		"MANDATORY_MIN_SCORE":    c.MandatoryMinScore,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%s must be in (0, 1], got %f", name, v)
		}
	}

	if c.PartialFloor > c.StableThreshold {
		return fmt.Errorf("PARTIAL_FLOOR (%f) must not exceed STABLE_THRESHOLD (%f)",
			c.PartialFloor, c.StableThreshold)
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrThrow gets environment variable or panics when unset
func getEnvOrThrow(key string) string {
	value := os.Getenv(key)
	if value == "" {
		panic(fmt.Sprintf("Required environment variable %s is not set", key))
	}
	return value
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

// getEnvAsFloatOrDefault gets environment variable as float64 or returns default
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
