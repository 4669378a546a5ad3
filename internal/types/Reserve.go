/*

This file contains the lending reserve and obligation views decoded from chain account data.
A snapshot is fetched fresh for every logical operation and never cached.

*/

package types

import (
	sdkmath "cosmossdk.io/math"
)

type ReserveSnapshot struct {
	Address                string      `json:"address"`
	LendingMarket          string      `json:"lending_market"`
	LiquidityMint          string      `json:"liquidity_mint"`
	LiquidityDecimals      uint8       `json:"liquidity_decimals"` // Mint decimals, read from the reserve
	LiquiditySupply        string      `json:"liquidity_supply"`   // Reserve's token account holding deposits
	PythOracle             string      `json:"pyth_oracle"`
	SwitchboardOracle      string      `json:"switchboard_oracle"`
	CollateralMint         string      `json:"collateral_mint"`          // cToken mint
	CollateralSupply       string      `json:"collateral_supply"`        // Reserve's token account holding obligation collateral
	AvailableAmount        sdkmath.Int `json:"available_amount"`         // Liquidity not lent out, base units
	BorrowedWads           sdkmath.Int `json:"borrowed_wads"`            // Borrowed liquidity scaled by 1e18
	CollateralSupplyAmount sdkmath.Int `json:"collateral_supply_amount"` // Total cTokens minted

	OptimalUtilizationRate uint8 `json:"optimal_utilization_rate"` // Percent
	MinBorrowRate          uint8 `json:"min_borrow_rate"`          // Percent
	OptimalBorrowRate      uint8 `json:"optimal_borrow_rate"`      // Percent
	MaxBorrowRate          uint8 `json:"max_borrow_rate"`          // Percent
	ProtocolTakeRate       uint8 `json:"protocol_take_rate"`       // Percent of interest kept by the protocol

	SupplyAPY    float64           `json:"supply_apy"`    // Fraction, e.g. 0.0484
	ExchangeRate sdkmath.LegacyDec `json:"exchange_rate"` // Underlying liquidity per cToken
}

// ObligationDeposit is collateral the merchant holds in one reserve.
type ObligationDeposit struct {
	Reserve         string      `json:"reserve"`
	DepositedAmount sdkmath.Int `json:"deposited_amount"` // cTokens
	MarketValueWads sdkmath.Int `json:"market_value_wads"`
}

type ObligationSnapshot struct {
	Address        string              `json:"address"`
	LendingMarket  string              `json:"lending_market"`
	Owner          string              `json:"owner"`
	Deposits       []ObligationDeposit `json:"deposits"`
	BorrowReserves []string            `json:"borrow_reserves"`
}

// DepositFor returns the collateral held in reserve, if any.
func (o *ObligationSnapshot) DepositFor(reserve string) (ObligationDeposit, bool) {
	for _, d := range o.Deposits {
		if d.Reserve == reserve {
			return d, true
		}
	}
	return ObligationDeposit{}, false
}
