package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the settler service
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Chain      ChainConfig
	Quote      QuoteConfig
	Operator   OperatorConfig
	Settlement SettlementConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// ChainConfig holds EVM chain access configuration
type ChainConfig struct {
	RPCEndpoint    string
	FactoryAddress string        // strategy factory contract
	Confirmations  uint64        // blocks below head before a log is acted on
	PollInterval   time.Duration // log and discovery poll cadence
	ReceiptTimeout time.Duration // per-transaction confirmation wait
}

// QuoteConfig holds exchange quote API configuration
type QuoteConfig struct {
	BaseURL   string
	SellToken string        // native currency symbol on the aggregator
	Timeout   time.Duration // HTTP request timeout
	TTL       time.Duration // how long a quote is treated as fresh
}

// OperatorConfig holds the operator wallet configuration
type OperatorConfig struct {
	PrivateKey string // hex, with or without 0x prefix
}

// SettlementConfig holds orchestrator tuning
type SettlementConfig struct {
	SlippageBps      int           // e.g. 500 = 5%
	RetryCap         int           // attempts per status before FAILED
	BackoffBase      time.Duration // first retry delay
	BackoffMax       time.Duration
	DispatchInterval time.Duration // DB poll cadence for due tasks
	Concurrency      int           // orchestrator workers
	QueueSize        int           // dispatch channel depth
}

// Load reads configuration from the environment. A local .env file is
// honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvInt("SERVER_PORT", 8080),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "settler"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Chain: ChainConfig{
			RPCEndpoint:    getEnv("CHAIN_RPC_ENDPOINT", ""),
			FactoryAddress: getEnv("FACTORY_ADDRESS", ""),
			Confirmations:  uint64(getEnvInt("CHAIN_CONFIRMATIONS", 2)),
			PollInterval:   getEnvDuration("CHAIN_POLL_INTERVAL", 15*time.Second),
			ReceiptTimeout: getEnvDuration("CHAIN_RECEIPT_TIMEOUT", 3*time.Minute),
		},
		Quote: QuoteConfig{
			BaseURL:   getEnv("QUOTE_API_URL", ""),
			SellToken: getEnv("QUOTE_SELL_TOKEN", "ETH"),
			Timeout:   getEnvDuration("QUOTE_TIMEOUT", 10*time.Second),
			TTL:       getEnvDuration("QUOTE_TTL", 30*time.Second),
		},
		Operator: OperatorConfig{
			PrivateKey: getEnv("OPERATOR_PRIVATE_KEY", ""),
		},
		Settlement: SettlementConfig{
			SlippageBps:      getEnvInt("SETTLEMENT_SLIPPAGE_BPS", 500),
			RetryCap:         getEnvInt("SETTLEMENT_RETRY_CAP", 5),
			BackoffBase:      getEnvDuration("SETTLEMENT_BACKOFF_BASE", 10*time.Second),
			BackoffMax:       getEnvDuration("SETTLEMENT_BACKOFF_MAX", 10*time.Minute),
			DispatchInterval: getEnvDuration("SETTLEMENT_DISPATCH_INTERVAL", 5*time.Second),
			Concurrency:      getEnvInt("SETTLEMENT_CONCURRENCY", 4),
			QueueSize:        getEnvInt("SETTLEMENT_QUEUE_SIZE", 64),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Chain.RPCEndpoint == "" {
		return fmt.Errorf("CHAIN_RPC_ENDPOINT is required")
	}
	if c.Chain.FactoryAddress == "" {
		return fmt.Errorf("FACTORY_ADDRESS is required")
	}
	if c.Quote.BaseURL == "" {
		return fmt.Errorf("QUOTE_API_URL is required")
	}
	if c.Operator.PrivateKey == "" {
		return fmt.Errorf("OPERATOR_PRIVATE_KEY is required")
	}
	if c.Settlement.SlippageBps < 0 || c.Settlement.SlippageBps >= 10000 {
		return fmt.Errorf("invalid slippage bps: %d", c.Settlement.SlippageBps)
	}
	if c.Settlement.RetryCap <= 0 {
		return fmt.Errorf("retry cap must be positive")
	}
	if c.Settlement.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
