package types

import "github.com/shopspring/decimal"

// Balances is the merchant's treasury at a glance.
type Balances struct {
	CashBufferUSDC      decimal.Decimal `json:"cashBufferUsdc"`
	InYieldUSDC         decimal.Decimal `json:"inYieldUsdc"`
	EstimatedAPYPercent float64         `json:"estimatedApyPercent"`
}
