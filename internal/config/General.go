package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yield402/treasury/internal/types"
)

var (
	ErrUnknownNetwork  = errors.New("unknown SOLANA_NETWORK")
	ErrUnknownAdapter  = errors.New("unknown DEFI_ADAPTER")
	ErrUnknownStorage  = errors.New("unknown STORAGE")
	ErrUnknownGuard    = errors.New("unknown IDEMPOTENCY_STORE")
	ErrMissingSecret   = errors.New("MERCHANT_WALLET_SECRET is required for the solend adapter")
	ErrStorageRequired = errors.New("IDEMPOTENCY_STORE=postgres requires STORAGE=postgres")
)

const (
	AdapterSolend = "solend"
	AdapterMock   = "mock"

	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// AppConfig holds all application configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// Network is the Solana cluster the treasury operates on.
	Network types.Network

	// USDCMint is the stablecoin mint the merchant is paid in. Optional at load time:
	// settlement processing reports config_missing while it is unset.
	USDCMint string
	// MerchantWalletAddress receives settlements. Derived from the secret when unset.
	MerchantWalletAddress string
	// MerchantWalletSecret signs deposits and withdrawals (base58 or JSON byte array).
	MerchantWalletSecret string

	// DeFiAdapter selects the yield adapter: "solend" or "mock".
	DeFiAdapter string
	// MockAPYPercent is the APY reported by the mock adapter.
	MockAPYPercent float64

	// StorageBackend selects the ledger and rebalancer state store: "memory" or "postgres".
	StorageBackend string
	// IdempotencyStore selects the settlement guard: "memory", "redis" or "postgres".
	IdempotencyStore string
	// RedisAddr and RedisPassword configure the redis guard.
	RedisAddr     string
	RedisPassword string

	// ConfirmTimeout bounds each wait for a submitted transaction to confirm.
	ConfirmTimeout time.Duration
	// RebalanceInterval is the period of the background rebalance loop. Zero disables it.
	RebalanceInterval time.Duration

	// WebPort is the HTTP listen port.
	WebPort string

	// Database connection, used when STORAGE or IDEMPOTENCY_STORE is postgres.
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
)

// LoadConfig loads configuration from environment variables and sets the global config vars.
// Everything has a default except the wallet secret, which only the solend adapter needs.
func LoadConfig() error {
	log.Info().Msg("Loading application configuration from environment variables...")

	var err error

	network, ok := types.ParseNetwork(getEnvOrDefault("SOLANA_NETWORK", "devnet"))
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNetwork, os.Getenv("SOLANA_NETWORK"))
	}
	Network = network

	USDCMint = strings.TrimSpace(getEnvOrDefault("USDC_MINT", ""))
	MerchantWalletAddress = strings.TrimSpace(getEnvOrDefault("MERCHANT_WALLET_ADDRESS", ""))
	MerchantWalletSecret = strings.TrimSpace(getEnvOrDefault("MERCHANT_WALLET_SECRET", ""))

	DeFiAdapter = strings.ToLower(getEnvOrDefault("DEFI_ADAPTER", AdapterMock))
	MockAPYPercent, err = getEnvAsFloat64OrDefault("MOCK_APY_PERCENT", 4.5)
	if err != nil {
		return err
	}

	StorageBackend = strings.ToLower(getEnvOrDefault("STORAGE", BackendMemory))
	IdempotencyStore = strings.ToLower(getEnvOrDefault("IDEMPOTENCY_STORE", StorageBackend))
	RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
	RedisPassword = getEnvOrDefault("REDIS_PASSWORD", "")

	ConfirmTimeout, err = getEnvAsDurationOrDefault("CONFIRM_TIMEOUT", 60*time.Second)
	if err != nil {
		return err
	}
	RebalanceInterval, err = getEnvAsDurationOrDefault("REBALANCE_INTERVAL", 5*time.Minute)
	if err != nil {
		return err
	}

	WebPort = getEnvOrDefault("WEB_PORT", "8080")

	if err := loadDatabaseConfig(); err != nil {
		return err
	}

	// Load endpoint configuration
	if err := loadEndpointConfig(); err != nil {
		return err
	}

	if err := loadRebalancerParameters(); err != nil {
		return err
	}

	if err := validateConfig(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Debug().
		Str("network", string(Network)).
		Str("adapter", DeFiAdapter).
		Str("storage", StorageBackend).
		Str("idempotency", IdempotencyStore).
		Bool("mintConfigured", USDCMint != "").
		Msg("Configuration loaded successfully.")

	return nil
}

func loadDatabaseConfig() error {
	var err error
	DBHost = getEnvOrDefault("DB_HOST", "localhost")
	DBPort, err = getEnvAsIntOrDefault("DB_PORT", 5432)
	if err != nil {
		return err
	}
	DBUser = getEnvOrDefault("DB_USER", "")
	DBPassword = getEnvOrDefault("DB_PASSWORD", "")
	DBName = getEnvOrDefault("DB_NAME", "treasury")
	DBSSLMode = getEnvOrDefault("DB_SSLMODE", "disable")
	return nil
}

func validateConfig() error {
	var errs []error
	switch DeFiAdapter {
	case AdapterMock:
	case AdapterSolend:
		if MerchantWalletSecret == "" {
			errs = append(errs, ErrMissingSecret)
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownAdapter, DeFiAdapter))
	}
	switch StorageBackend {
	case BackendMemory, BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownStorage, StorageBackend))
	}
	switch IdempotencyStore {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if StorageBackend != BackendPostgres {
			errs = append(errs, ErrStorageRequired)
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownGuard, IdempotencyStore))
	}
	if ConfirmTimeout <= 0 {
		errs = append(errs, errors.New("CONFIRM_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

func getEnvOrDefault(key, fallback string) string {
	value, err := getEnv(key)
	if err != nil || value == "" {
		return fallback
	}
	return value
}

// getEnvAsUint64 retrieves an environment variable as a uint64. Returns error if not set or invalid.
func getEnvAsUint64(key string) (uint64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid uint64, got: " + valueStr)
	}
	return value, nil
}

func getEnvAsIntOrDefault(key string, fallback int) (int, error) {
	if os.Getenv(key) == "" {
		return fallback, nil
	}
	value, err := getEnvAsUint64(key)
	if err != nil {
		return 0, err
	}
	return int(value), nil
}

// getEnvAsFloat64 retrieves an environment variable as a float64. Returns error if not set or invalid.
func getEnvAsFloat64(key string) (float64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid float64, got: " + valueStr)
	}
	return value, nil
}

func getEnvAsFloat64OrDefault(key string, fallback float64) (float64, error) {
	if os.Getenv(key) == "" {
		return fallback, nil
	}
	return getEnvAsFloat64(key)
}

// getEnvAsDurationOrDefault accepts Go durations ("90s") or a bare number of seconds.
func getEnvAsDurationOrDefault(key string, fallback time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return fallback, nil
	}
	if secs, err := strconv.ParseUint(valueStr, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a duration, got: " + valueStr)
	}
	return d, nil
}
