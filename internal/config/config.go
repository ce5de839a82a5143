package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration. Values come from the environment,
// optionally pre-loaded from a .env file for local development.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	HTTPPort        int
	ShutdownTimeout time.Duration

	DatabaseDSN    string
	StorageTimeout time.Duration
	MigrationsUp   bool

	NATSURL string

	StripeSecretKey     string
	StripeWebhookSecret string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
}

// Load reads configuration from the environment. A missing .env file is not
// an error; a missing DATABASE_DSN is.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "gatekeeper"),
		Environment: getEnv("ENV", "development"),
		Version:     getEnv("SERVICE_VERSION", "dev"),

		HTTPPort:        getEnvInt("HTTP_PORT", 8080),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),

		DatabaseDSN:    os.Getenv("DATABASE_DSN"),
		StorageTimeout: getEnvDuration("STORAGE_TIMEOUT", 5*time.Second),
		MigrationsUp:   getEnvBool("RUN_MIGRATIONS", true),

		NATSURL: getEnv("NATS_URL", ""),

		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		CheckoutSuccessURL:  getEnv("CHECKOUT_SUCCESS_URL", "http://localhost:8080/payments/success"),
		CheckoutCancelURL:   getEnv("CHECKOUT_CANCEL_URL", "http://localhost:8080/payments/cancel"),
	}

	if cfg.DatabaseDSN == "" {
		return nil, fmt.Errorf("DATABASE_DSN is required but not set")
	}

	return cfg, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as int or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
