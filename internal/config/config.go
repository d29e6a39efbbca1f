// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir          string // Base directory for the exchange database (always absolute)
	LogLevel         string
	Port             int
	DevMode          bool
	MatchingInterval time.Duration // How often the matching cycle runs

	Session SessionDefaults
	Limits  OrderLimits
}

// SessionDefaults holds the economics inherited by newly created sessions.
// A running session keeps its own copy; changing these only affects
// sessions created afterwards.
type SessionDefaults struct {
	CommissionRate       float64 // Percent of trade value charged to each side
	CircuitBreakerUpper  float64 // Max percent rise vs session start price
	CircuitBreakerLower  float64 // Max percent fall vs session start price
	PriceChangeThreshold float64 // Percent VWAP divergence that triggers a price update
}

// OrderLimits holds the per-order and per-account validation bounds.
type OrderLimits struct {
	MinOrderValue     float64 // Minimum order value (price x quantity), 0 disables
	MaxOrderValue     float64 // Maximum order value, 0 disables
	DailyTradingLimit float64 // Max traded value per account per day, 0 disables
	PositionLimitPct  float64 // Max position as percent of total shares, 0 disables
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("EXCHANGE_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:          absDataDir,
		Port:             getEnvAsInt("EXCHANGE_PORT", 8010),
		DevMode:          getEnvAsBool("DEV_MODE", false),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		MatchingInterval: time.Duration(getEnvAsInt("MATCHING_INTERVAL_SECONDS", 60)) * time.Second,
		Session: SessionDefaults{
			CommissionRate:       getEnvAsFloat("SESSION_COMMISSION_RATE", 0.1),
			CircuitBreakerUpper:  getEnvAsFloat("SESSION_CIRCUIT_BREAKER_UPPER", 10.0),
			CircuitBreakerLower:  getEnvAsFloat("SESSION_CIRCUIT_BREAKER_LOWER", 10.0),
			PriceChangeThreshold: getEnvAsFloat("SESSION_PRICE_CHANGE_THRESHOLD", 1.0),
		},
		Limits: OrderLimits{
			MinOrderValue:     getEnvAsFloat("ORDER_MIN_VALUE", 0),
			MaxOrderValue:     getEnvAsFloat("ORDER_MAX_VALUE", 0),
			DailyTradingLimit: getEnvAsFloat("ACCOUNT_DAILY_TRADING_LIMIT", 0),
			PositionLimitPct:  getEnvAsFloat("ACCOUNT_POSITION_LIMIT_PCT", 0),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if the configuration is usable
func (c *Config) Validate() error {
	if c.MatchingInterval < time.Second {
		return fmt.Errorf("matching interval must be at least one second, got %s", c.MatchingInterval)
	}
	if c.Session.CommissionRate < 0 {
		return fmt.Errorf("commission rate must not be negative, got %f", c.Session.CommissionRate)
	}
	if c.Session.CircuitBreakerUpper <= 0 || c.Session.CircuitBreakerLower <= 0 {
		return fmt.Errorf("circuit breaker bounds must be positive")
	}
	if c.Session.PriceChangeThreshold <= 0 {
		return fmt.Errorf("price change threshold must be positive, got %f", c.Session.PriceChangeThreshold)
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

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
