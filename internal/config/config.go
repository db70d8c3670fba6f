// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/eazepay/transaction-service/internal/failpolicy"
	"github.com/eazepay/transaction-service/internal/fraud"
	"github.com/eazepay/transaction-service/internal/ledger"
	"github.com/eazepay/transaction-service/internal/ratelimit"
	"github.com/eazepay/transaction-service/internal/transactions"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Fraud collaborator
	FraudServiceURL    string
	FraudTimeout       time.Duration
	FraudFailurePolicy failpolicy.Mode

	// Ledger collaborator
	LedgerServiceURL    string
	LedgerTimeout       time.Duration
	LedgerFailurePolicy failpolicy.Mode
	LedgerRelayInterval time.Duration
	LedgerMaxAttempts   int

	// Transactions
	DefaultCurrency string

	// HTTP
	CORSAllowedOrigins []string // empty allows any origin
	RateLimitRPM       int        // per caller; 0 disables
	RateLimitBurst     int

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	fraudPolicy, err := getEnvPolicy("FRAUD_FAILURE_POLICY", fraud.DefaultPolicy)
	if err != nil {
		return nil, err
	}
	ledgerPolicy, err := getEnvPolicy("LEDGER_FAILURE_POLICY", ledger.DefaultPolicy)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		FraudServiceURL:     getEnv("FRAUD_SERVICE_URL", fraud.DefaultBaseURL),
		FraudTimeout:        getEnvDuration("FRAUD_TIMEOUT", fraud.DefaultTimeout),
		FraudFailurePolicy:  fraudPolicy,
		LedgerServiceURL:    getEnv("LEDGER_SERVICE_URL", ledger.DefaultBaseURL),
		LedgerTimeout:       getEnvDuration("LEDGER_TIMEOUT", ledger.DefaultTimeout),
		LedgerFailurePolicy: ledgerPolicy,
		LedgerRelayInterval: getEnvDuration("LEDGER_RELAY_INTERVAL", ledger.DefaultRelayInterval),
		LedgerMaxAttempts:   int(getEnvInt64("LEDGER_MAX_ATTEMPTS", ledger.DefaultMaxAttempts)),
		DefaultCurrency:     getEnv("DEFAULT_CURRENCY", transactions.DefaultCurrency),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		CORSAllowedOrigins:  getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", 600)),
		RateLimitBurst:      int(getEnvInt64("RATE_LIMIT_BURST", 50)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}
	if c.FraudServiceURL == "" {
		return fmt.Errorf("FRAUD_SERVICE_URL is required")
	}
	if c.LedgerServiceURL == "" {
		return fmt.Errorf("LEDGER_SERVICE_URL is required")
	}
	if c.FraudTimeout <= 0 || c.LedgerTimeout <= 0 {
		return fmt.Errorf("FRAUD_TIMEOUT and LEDGER_TIMEOUT must be positive")
	}
	if c.LedgerRelayInterval <= 0 {
		return fmt.Errorf("LEDGER_RELAY_INTERVAL must be positive")
	}
	if c.LedgerMaxAttempts < 1 {
		return fmt.Errorf("LEDGER_MAX_ATTEMPTS must be at least 1")
	}
	if !c.FraudFailurePolicy.Valid() || !c.LedgerFailurePolicy.Valid() {
		return fmt.Errorf("failure policies must be one of FAIL_OPEN, FAIL_CLOSED, FAIL_REVIEW")
	}
	if c.RateLimitRPM < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must not be negative")
	}
	if len(c.DefaultCurrency) != 3 {
		return fmt.Errorf("DEFAULT_CURRENCY must be a 3-letter code, got %q", c.DefaultCurrency)
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Fraud returns the fraud client configuration.
func (c *Config) Fraud() fraud.Config {
	return fraud.Config{
		BaseURL:       c.FraudServiceURL,
		Timeout:       c.FraudTimeout,
		FailurePolicy: c.FraudFailurePolicy,
	}
}

// Ledger returns the ledger client configuration.
func (c *Config) Ledger() ledger.Config {
	return ledger.Config{
		BaseURL:       c.LedgerServiceURL,
		Timeout:       c.LedgerTimeout,
		FailurePolicy: c.LedgerFailurePolicy,
	}
}

// Relay returns the outbox relay configuration.
func (c *Config) Relay() ledger.RelayConfig {
	return ledger.RelayConfig{
		Interval:    c.LedgerRelayInterval,
		MaxAttempts: c.LedgerMaxAttempts,
	}
}

// RateLimit returns the API rate limiter configuration.
func (c *Config) RateLimit() ratelimit.Config {
	return ratelimit.Config{
		RequestsPerMinute: c.RateLimitRPM,
		BurstSize:         c.RateLimitBurst,
		CleanupInterval:   time.Minute,
	}
}

// Transactions returns the orchestrator configuration.
func (c *Config) Transactions() transactions.Config {
	return transactions.Config{
		DefaultCurrency:     c.DefaultCurrency,
		LedgerFailurePolicy: c.LedgerFailurePolicy,
	}
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("750ms") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvPolicy(key string, defaultValue failpolicy.Mode) (failpolicy.Mode, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	m, err := failpolicy.Parse(value)
	if err != nil {
		return "", fmt.Errorf("%s: %w", key, err)
	}
	return m, nil
}
