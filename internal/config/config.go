// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL          string
	ChainID         int64
	ContractAddress string // Gogh escrow contract
	StartBlock      uint64 // 0 = start from the chain head
	PollIntervalSec int64

	// Attestation settings
	EASContract         string // EAS predeploy on Base
	AttestationSchema   string // Registered schema UID
	AttestorPrivateKey  string // Hex-encoded, with or without 0x prefix
	AttestationsEnabled bool

	// Gas subsidy settings
	SubsidizeReleaseGas bool
	SubsidyPrivateKey   string // Funded sponsor key
	SubsidyDailyCapETH  string // Daily gas spend ceiling, e.g. "0.05"

	// Escrow behavior
	EscrowExpiryMs int64 // 0 = escrows never expire

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; empty disables tracing
}

// Base mainnet defaults
const (
	DefaultRPCURL      = "https://mainnet.base.org"
	DefaultChainID     = 8453
	DefaultEASContract = "0x4200000000000000000000000000000000000021" // EAS predeploy on Base
	DefaultPort        = "8080"
	DefaultEnv         = "development"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "text"
	DefaultPollSec     = 5
	DefaultDailyCapETH = "0.05"
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:              getEnv("RPC_URL", DefaultRPCURL),
		ChainID:             getEnvInt64("CHAIN_ID", DefaultChainID),
		ContractAddress:     os.Getenv("GOGH_CONTRACT_ADDRESS"), // Required, no default
		StartBlock:          uint64(getEnvInt64("START_BLOCK", 0)),
		PollIntervalSec:     getEnvInt64("POLL_INTERVAL_SEC", DefaultPollSec),
		EASContract:         getEnv("EAS_CONTRACT", DefaultEASContract),
		AttestationSchema:   os.Getenv("ATTESTATION_SCHEMA_UID"),
		AttestorPrivateKey:  os.Getenv("ATTESTOR_PRIVATE_KEY"),
		SubsidizeReleaseGas: getEnvBool("SUBSIDIZE_RELEASE_GAS", false),
		SubsidyPrivateKey:   os.Getenv("SUBSIDY_PRIVATE_KEY"),
		SubsidyDailyCapETH:  getEnv("SUBSIDY_DAILY_CAP_ETH", DefaultDailyCapETH),
		EscrowExpiryMs:      getEnvInt64("ESCROW_EXPIRY_MS", 0),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	cfg.AttestationsEnabled = cfg.AttestationSchema != "" && cfg.AttestorPrivateKey != ""

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.ContractAddress == "" {
		return fmt.Errorf("GOGH_CONTRACT_ADDRESS is required")
	}
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.SubsidizeReleaseGas {
		if err := validateKey(c.SubsidyPrivateKey, "SUBSIDY_PRIVATE_KEY"); err != nil {
			return err
		}
	}
	if c.AttestationsEnabled {
		if err := validateKey(c.AttestorPrivateKey, "ATTESTOR_PRIVATE_KEY"); err != nil {
			return err
		}
	}
	return nil
}

func validateKey(key, name string) error {
	if key == "" {
		return fmt.Errorf("%s is required", name)
	}
	// Allow both with and without 0x prefix
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("%s must be 64 hex characters (with or without 0x prefix)", name)
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

func getEnvBool(key string, defaultValue bool) bool {
	switch os.Getenv(key) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	return defaultValue
}
