package config

import (
	"github.com/rs/zerolog/log"
	"github.com/yield402/treasury/internal/types"
)

// Public cluster endpoints used when no RPC_URL_* override is set.
var defaultRPCURLs = map[types.Network]string{
	types.NetworkDevnet:  "https://api.devnet.solana.com",
	types.NetworkTestnet: "https://api.testnet.solana.com",
	types.NetworkMainnet: "https://api.mainnet-beta.solana.com",
}

// Solend deployments. Testnet has none, so it shares the devnet program and pool.
var (
	solendPrograms = map[types.Network]string{
		types.NetworkDevnet:  "ALend7Ketfx5bxh6ghsCDXAoDrhvEmsXT3cynB6aPLgx",
		types.NetworkTestnet: "ALend7Ketfx5bxh6ghsCDXAoDrhvEmsXT3cynB6aPLgx",
		types.NetworkMainnet: "So1endDq2YkqhipRh3WViPa8hdiSpxWy6z3Z6tMCpAo",
	}
	solendMainPools = map[types.Network]string{
		types.NetworkDevnet:  "GvjoVKNjBvQcFaSKUW1gTE7DxhSpjHbE69umVR5nPuQp",
		types.NetworkTestnet: "GvjoVKNjBvQcFaSKUW1gTE7DxhSpjHbE69umVR5nPuQp",
		types.NetworkMainnet: "4UpD2fh7xH3VP9QQaXtsS1YY3bxzWhtfpks7FatyKvdY",
	}
)

// Endpoint configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// RPCURLs is the JSON-RPC endpoint for each network.
	RPCURLs map[types.Network]string
	// RPCRateLimitRPS caps outgoing RPC requests per second. Zero disables the limiter.
	RPCRateLimitRPS float64

	// SolendProgramID is the lending program for the configured network.
	SolendProgramID string
	// SolendMarket is the lending market (pool) that holds the USDC reserve.
	SolendMarket string
	// SolendReserve pins the USDC reserve address. Empty means discover it by mint.
	SolendReserve string
)

// loadEndpointConfig loads endpoint configuration from environment variables.
// This function is called by LoadConfig() in General.go.
func loadEndpointConfig() error {
	log.Info().Msg("Loading endpoint configuration from environment variables...")

	var err error

	RPCURLs = map[types.Network]string{
		types.NetworkDevnet:  getEnvOrDefault("RPC_URL_DEVNET", defaultRPCURLs[types.NetworkDevnet]),
		types.NetworkTestnet: getEnvOrDefault("RPC_URL_TESTNET", defaultRPCURLs[types.NetworkTestnet]),
		types.NetworkMainnet: getEnvOrDefault("RPC_URL_MAINNET", defaultRPCURLs[types.NetworkMainnet]),
	}

	RPCRateLimitRPS, err = getEnvAsFloat64OrDefault("RPC_RATE_LIMIT_RPS", 8)
	if err != nil {
		return err
	}

	SolendProgramID = getEnvOrDefault("SOLEND_PROGRAM_ID", solendPrograms[Network])
	SolendMarket = getEnvOrDefault("SOLEND_MARKET", solendMainPools[Network])
	SolendReserve = getEnvOrDefault("SOLEND_RESERVE", "")

	log.Debug().
		Str("rpc", RPCURL()).
		Float64("rateLimitRPS", RPCRateLimitRPS).
		Str("solendProgram", SolendProgramID).
		Str("solendMarket", SolendMarket).
		Msg("Endpoint configuration loaded successfully.")

	return nil
}

// RPCURL returns the endpoint for the configured network.
func RPCURL() string {
	if url, ok := RPCURLs[Network]; ok && url != "" {
		return url
	}
	return defaultRPCURLs[Network]
}
