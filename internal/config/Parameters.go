/*

This file contains the default parameters for the rebalancer.

These parameters are sized for a small merchant collecting per-request stablecoin payments.
Each value can be overridden through the environment at startup and at runtime through
the /rebalancer/config endpoint.

*/

package config

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/yield402/treasury/internal/types"
)

// DefaultRebalancerParameters is used when nothing is configured or persisted.
var DefaultRebalancerParameters = types.RebalancerParameters{
	MinBufferUSDC: decimal.NewFromInt(10), // Keep 10 USDC liquid.
	// Rationale: refunds and payouts are served from the buffer without a withdrawal round trip.

	MinDepositUSDC: decimal.NewFromInt(1), // Sweep only when at least 1 USDC is idle.
	// Rationale: each deposit costs several transaction fees; sub-dollar sweeps lose money.

	CooldownSeconds: 180, // At most one deposit every 3 minutes.
	// Rationale: bursts of settlements collapse into a single sweep instead of one per payment.
}

// RebalancerParameters holds the startup parameters after environment overrides.
var RebalancerParameters = DefaultRebalancerParameters

func loadRebalancerParameters() error {
	params := DefaultRebalancerParameters

	if v := getEnvOrDefault("MIN_BUFFER_USDC", ""); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("environment variable MIN_BUFFER_USDC must be a decimal, got: %s", v)
		}
		params.MinBufferUSDC = d
	}
	if v := getEnvOrDefault("MIN_DEPOSIT_USDC", ""); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("environment variable MIN_DEPOSIT_USDC must be a decimal, got: %s", v)
		}
		params.MinDepositUSDC = d
	}
	cooldown, err := getEnvAsIntOrDefault("REBALANCE_COOLDOWN_SEC", params.CooldownSeconds)
	if err != nil {
		return err
	}
	params.CooldownSeconds = cooldown

	if err := params.Validate(); err != nil {
		return err
	}
	RebalancerParameters = params
	return nil
}
