// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	"github.com/mbd888/aetherlock/internal/fees"
	"github.com/mbd888/aetherlock/internal/validation"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"
	LogFile   string // rotated file output in addition to stdout (optional)

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow
	FeeRatePercent uint64
	Treasury       string // base58 fee recipient
	OracleMaxSkew  time.Duration
	RefundInterval time.Duration
	ManifestPath   string // YAML deployment manifest (optional)

	// Ledger reconciliation
	ReconcileInterval time.Duration

	// Cross-chain relay
	LocalChain string
	Gateway    string // base58 identity allowed to post relay messages (required in production)

	// Security
	RateLimitRPM   int
	AllowedOrigins []string

	// Tracing
	OTelEndpoint string
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "json"
	DefaultOracleMaxSkew  = 300 * time.Second
	DefaultRefundInterval = 30 * time.Second
	DefaultReconcile      = 5 * time.Minute
	DefaultRateLimit      = 120
	DefaultLocalChain     = "solana"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:      getEnv("LOG_FORMAT", DefaultLogFormat),
		LogFile:        os.Getenv("LOG_FILE"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		FeeRatePercent: uint64(getEnvInt64("FEE_RATE_PERCENT", int64(fees.DefaultRatePercent))), //nolint:gosec // validated below
		Treasury:       os.Getenv("TREASURY_ADDRESS"),
		OracleMaxSkew:  getEnvDuration("ORACLE_MAX_SKEW", DefaultOracleMaxSkew),
		RefundInterval: getEnvDuration("REFUND_SWEEP_INTERVAL", DefaultRefundInterval),
		ManifestPath:   os.Getenv("MANIFEST_PATH"),
		LocalChain:     getEnv("LOCAL_CHAIN", DefaultLocalChain),
		Gateway:        os.Getenv("CROSSCHAIN_GATEWAY"),
		RateLimitRPM:   int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		OTelEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", DefaultReconcile),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.FeeRatePercent > fees.MaxRatePercent {
		return fmt.Errorf("FEE_RATE_PERCENT must be at most %d", fees.MaxRatePercent)
	}
	if c.Treasury == "" && c.ManifestPath == "" {
		return fmt.Errorf("TREASURY_ADDRESS is required (or set MANIFEST_PATH)")
	}
	if c.Treasury != "" {
		if _, err := validation.ParsePublicKey(c.Treasury); err != nil {
			return fmt.Errorf("TREASURY_ADDRESS: %w", err)
		}
	}
	if c.Gateway != "" {
		if _, err := validation.ParsePublicKey(c.Gateway); err != nil {
			return fmt.Errorf("CROSSCHAIN_GATEWAY: %w", err)
		}
	} else if c.IsProduction() {
		return fmt.Errorf("CROSSCHAIN_GATEWAY is required in production")
	}
	if !validation.IsValidChainName(c.LocalChain) {
		return fmt.Errorf("LOCAL_CHAIN must be 1..%d printable characters", validation.MaxChainNameLen)
	}
	if c.OracleMaxSkew <= 0 {
		return fmt.Errorf("ORACLE_MAX_SKEW must be positive")
	}
	if c.RefundInterval <= 0 {
		return fmt.Errorf("REFUND_SWEEP_INTERVAL must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	return nil
}

// TreasuryKey returns the parsed treasury identity, or the zero key if unset.
func (c *Config) TreasuryKey() solana.PublicKey {
	pk, _ := validation.ParsePublicKey(c.Treasury)
	return pk
}

// GatewayKey returns the relay gateway identity, or nil if any caller may relay.
func (c *Config) GatewayKey() *solana.PublicKey {
	if c.Gateway == "" {
		return nil
	}
	pk, err := validation.ParsePublicKey(c.Gateway)
	if err != nil {
		return nil
	}
	return &pk
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
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

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
