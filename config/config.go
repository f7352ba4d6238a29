// Package config handles loading and managing application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Server configuration
	Server ServerConfig

	// Logging configuration
	Log LogConfig

	// Storage backend for sessions, instruments, orders and idempotency records
	Store StoreConfig

	// Checkout lifecycle settings
	Checkout CheckoutConfig

	// Merchant platform API configuration
	Merchant MerchantConfig

	// Payment service provider settings
	Payments PaymentsConfig

	// Security settings
	Security SecurityConfig

	// ProfilePath points at an optional YAML business profile.
	ProfilePath string
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port          string
	GinMode       string // "debug", "release", or "test"
	PublicBaseURL string
}

// LogConfig holds logger configuration.
type LogConfig struct {
	Level  string
	Format string // "json" or "text"
}

// StoreConfig selects and configures the key-value backend.
type StoreConfig struct {
	Backend       string // "memory" or "redis"
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SweepSchedule string // cron spec for the in-memory sweeper
}

// CheckoutConfig holds session and idempotency lifetimes.
type CheckoutConfig struct {
	SessionTTL     time.Duration
	IdempotencyTTL time.Duration
	AllowAdhoc     bool
}

// MerchantConfig holds merchant platform API configuration.
// An empty BaseURL selects the in-memory demo catalog.
type MerchantConfig struct {
	BaseURL string
	APIKey  string
}

// PaymentsConfig holds PSP settings.
type PaymentsConfig struct {
	MercadoPagoAccessToken string
	NotificationURL        string
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	PlatformJWTSecret string // empty disables platform authentication
	RateLimitRPS      float64
	RateLimitBurst    int
}

// Load reads a .env file when present, then configuration from environment
// variables. Returns a Config struct with all settings populated.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port:          getEnv("PORT", "8080"),
			GinMode:       getEnv("GIN_MODE", "debug"),
			PublicBaseURL: getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Store: StoreConfig{
			Backend:       getEnv("STORE_BACKEND", "memory"),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			SweepSchedule: getEnv("SWEEP_SCHEDULE", "@every 5m"),
		},
		Checkout: CheckoutConfig{
			SessionTTL:     getEnvDuration("SESSION_TTL", 24*time.Hour),
			IdempotencyTTL: getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
			AllowAdhoc:     getEnvBool("ALLOW_ADHOC_CHECKOUT", false),
		},
		Merchant: MerchantConfig{
			BaseURL: getEnv("MERCHANT_API_URL", ""),
			APIKey:  getEnv("MERCHANT_API_KEY", ""),
		},
		Payments: PaymentsConfig{
			MercadoPagoAccessToken: getEnv("MP_ACCESS_TOKEN", ""),
			NotificationURL:        getEnv("MP_NOTIFICATION_URL", ""),
		},
		Security: SecurityConfig{
			PlatformJWTSecret: getEnv("PLATFORM_JWT_SECRET", ""),
			RateLimitRPS:      getEnvFloat("RATE_LIMIT_RPS", 20),
			RateLimitBurst:    getEnvInt("RATE_LIMIT_BURST", 40),
		},
		ProfilePath: getEnv("UCP_PROFILE_PATH", ""),
	}
}

// Validate checks that the settings are consistent.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required when STORE_BACKEND=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be memory or redis, got %q", c.Store.Backend))
	}
	if c.Checkout.SessionTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be positive"))
	}
	if c.Checkout.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("IDEMPOTENCY_TTL must be positive"))
	}
	if c.Merchant.BaseURL != "" && !strings.HasPrefix(c.Merchant.BaseURL, "http") {
		errs = append(errs, fmt.Errorf("MERCHANT_API_URL must be an http(s) URL, got %q", c.Merchant.BaseURL))
	}
	if c.Security.RateLimitRPS < 0 || c.Security.RateLimitBurst < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative"))
	}
	if c.Security.PlatformJWTSecret != "" && len(c.Security.PlatformJWTSecret) < 32 {
		errs = append(errs, errors.New("PLATFORM_JWT_SECRET must be at least 32 bytes"))
	}

	return errors.Join(errs...)
}

// getEnv retrieves an environment variable with a fallback default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an environment variable as an integer with a fallback.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat retrieves an environment variable as a float with a fallback.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool retrieves an environment variable as a boolean with a fallback.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration retrieves an environment variable as a duration ("90m", "24h").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
