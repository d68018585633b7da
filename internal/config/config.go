// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	Auth       AuthConfig
	Generation GenerationConfig
	Render     RenderConfig
	RateLimit  RateLimitConfig

	CategoriesPath string        // Optional YAML override for document categories
	SessionIdleTTL time.Duration // Idle tab sessions are dropped after this long
}

// AuthConfig controls the built-in identity provider.
type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// GenerationConfig describes the remote text-generation endpoint.
type GenerationConfig struct {
	APIKey   string
	URL      string
	Model    string
	AppTitle string
	Timeout  time.Duration // 0 = rely on the transport
}

// RenderConfig controls preview sanitization and PDF export.
type RenderConfig struct {
	SanitizePreview  bool
	ChromeBin        string
	PDFMaxConcurrent int
	PDFEnabled       bool
}

// RateLimitConfig bounds generation requests per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	pdfConcurrency := getEnvInt("PDF_MAX_CONCURRENCY", 2)
	if pdfConcurrency <= 0 {
		pdfConcurrency = 2
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/lexigen.db"),
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			TokenTTL:  getEnvDuration("AUTH_TOKEN_TTL", 7*24*time.Hour),
		},
		Generation: GenerationConfig{
			APIKey:   getEnv("OPENROUTER_API_KEY", ""),
			URL:      getEnv("OPENROUTER_URL", "https://openrouter.ai/api/v1/chat/completions"),
			Model:    getEnv("OPENROUTER_MODEL", "mistralai/mistral-7b-instruct"),
			AppTitle: getEnv("OPENROUTER_APP_TITLE", "LexiGen AI"),
			Timeout:  getEnvDuration("GENERATION_TIMEOUT", 0),
		},
		Render: RenderConfig{
			SanitizePreview:  getEnvBool("SANITIZE_PREVIEW", true),
			ChromeBin:        getEnv("CHROME_BIN", ""),
			PDFMaxConcurrent: pdfConcurrency,
			PDFEnabled:       getEnvBool("PDF_EXPORT_ENABLED", true),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		CategoriesPath: getEnv("CATEGORIES_PATH", ""),
		SessionIdleTTL: getEnvDuration("SESSION_IDLE_TTL", 60*time.Minute),
	}

	if cfg.Auth.JWTSecret == "" && cfg.IsDevelopment() {
		cfg.Auth.JWTSecret = "lexigen-dev-secret"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required outside development")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("AUTH_TOKEN_TTL must be > 0")
	}
	if c.Generation.URL == "" {
		return fmt.Errorf("OPENROUTER_URL cannot be empty")
	}
	if c.Generation.Model == "" {
		return fmt.Errorf("OPENROUTER_MODEL cannot be empty")
	}
	if c.Generation.Timeout < 0 {
		return fmt.Errorf("GENERATION_TIMEOUT must be >= 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.SessionIdleTTL <= 0 {
		return fmt.Errorf("SESSION_IDLE_TTL must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
