package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	DBSource    string
	StoreDriver string
	Port        string
	Env         string

	BankLimit   decimal.Decimal
	LockTimeout time.Duration

	JWTSecret  string
	TokenTTL   time.Duration
	BcryptCost int

	RedisAddr string

	// AdminEmail and AdminPassword, when both set, bootstrap an admin user
	// at startup.
	AdminEmail    string
	AdminPassword string
}

// Load reads configuration from the environment. A .env file in the working
// directory, if present, fills variables that are not already set.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBSource:    os.Getenv("DB_SOURCE"),
		StoreDriver: getEnv("STORE_DRIVER", DriverPostgres),
		Port:        getEnv("SERVER_PORT", "8080"),
		Env:         getEnv("ENVIRONMENT", "development"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),

		AdminEmail:    os.Getenv("ADMIN_EMAIL"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),
	}

	var err error
	if cfg.BankLimit, err = decimal.NewFromString(getEnv("BANK_LIMIT", "100000000.00")); err != nil {
		return nil, fmt.Errorf("BANK_LIMIT: %w", err)
	}
	if cfg.BankLimit.IsNegative() {
		return nil, fmt.Errorf("BANK_LIMIT must not be negative")
	}
	if cfg.LockTimeout, err = time.ParseDuration(getEnv("LOCK_TIMEOUT", "5s")); err != nil {
		return nil, fmt.Errorf("LOCK_TIMEOUT: %w", err)
	}
	if cfg.LockTimeout <= 0 {
		return nil, fmt.Errorf("LOCK_TIMEOUT must be positive, got %s", cfg.LockTimeout)
	}
	if cfg.TokenTTL, err = time.ParseDuration(getEnv("TOKEN_TTL", "2h")); err != nil {
		return nil, fmt.Errorf("TOKEN_TTL: %w", err)
	}
	if cfg.BcryptCost, err = strconv.Atoi(getEnv("BCRYPT_COST", "10")); err != nil {
		return nil, fmt.Errorf("BCRYPT_COST: %w", err)
	}

	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.DBSource == "" {
			return nil, fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case DriverMemory:
	default:
		return nil, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, cfg.StoreDriver)
	}

	if cfg.JWTSecret == "" {
		if cfg.Env != "development" {
			return nil, fmt.Errorf("JWT_SECRET environment variable is required in %s", cfg.Env)
		}
		cfg.JWTSecret = "dev_secret"
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
