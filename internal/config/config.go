// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Ethereum-family chains (ETH native + USDT ERC-20)
	EthRPCURL    string
	EthChainID   int64
	USDTContract string // USDT ERC-20 contract address
	MasterKey    string // Hex-encoded master private key for deposit address derivation

	// Explorer-backed chains
	BTCExplorerURL  string // Esplora-compatible API base
	LTCExplorerURL  string
	TronExplorerURL string // TronGrid-compatible API base
	TRC20Contract   string // USDT TRC-20 contract address

	// Reconciliation settings
	PollInterval   time.Duration // Polling sweep interval
	ExpiryInterval time.Duration // Expiry sweep interval
	InvoiceTTL     time.Duration // Default invoice lifetime
	SweepWorkers   int           // Max concurrent verifications per chain

	// Security
	WebhookToken string // Shared secret authenticating explorer push callbacks
	AdminSecret  string // Admin API secret (force-sweep trigger)
	RateLimitRPM int

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultEthRPCURL      = "https://ethereum-rpc.publicnode.com"
	DefaultEthChainID     = 1
	DefaultUSDTContract   = "0xdAC17F958D2ee523a2206206994597C13D831ec7" // Mainnet USDT
	DefaultBTCExplorer    = "https://blockstream.info/api"
	DefaultLTCExplorer    = "https://litecoinspace.org/api"
	DefaultTronExplorer   = "https://api.trongrid.io"
	DefaultTRC20Contract  = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t" // Mainnet USDT TRC-20
	DefaultPollInterval   = 30 * time.Second
	DefaultExpiryInterval = time.Minute
	DefaultInvoiceTTL     = 30 * time.Minute
	DefaultSweepWorkers   = 4
	DefaultRateLimit      = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:     os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		EthRPCURL:       getEnv("ETH_RPC_URL", DefaultEthRPCURL),
		EthChainID:      getEnvInt64("ETH_CHAIN_ID", DefaultEthChainID),
		USDTContract:    getEnv("USDT_CONTRACT", DefaultUSDTContract),
		MasterKey:       os.Getenv("MASTER_KEY"), // Required, no default
		BTCExplorerURL:  getEnv("BTC_EXPLORER_URL", DefaultBTCExplorer),
		LTCExplorerURL:  getEnv("LTC_EXPLORER_URL", DefaultLTCExplorer),
		TronExplorerURL: getEnv("TRON_EXPLORER_URL", DefaultTronExplorer),
		TRC20Contract:   getEnv("TRC20_CONTRACT", DefaultTRC20Contract),
		PollInterval:    getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		ExpiryInterval:  getEnvDuration("EXPIRY_INTERVAL", DefaultExpiryInterval),
		InvoiceTTL:      getEnvDuration("INVOICE_TTL", DefaultInvoiceTTL),
		SweepWorkers:    int(getEnvInt64("SWEEP_WORKERS", DefaultSweepWorkers)),
		WebhookToken:    os.Getenv("WEBHOOK_TOKEN"),
		AdminSecret:     os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:    int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.MasterKey == "" {
		return fmt.Errorf("MASTER_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.MasterKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("MASTER_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.EthRPCURL == "" {
		return fmt.Errorf("ETH_RPC_URL is required")
	}
	if c.WebhookToken == "" && c.IsProduction() {
		return fmt.Errorf("WEBHOOK_TOKEN is required in production")
	}
	if c.PollInterval <= 0 || c.ExpiryInterval <= 0 {
		return fmt.Errorf("poll and expiry intervals must be positive")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
