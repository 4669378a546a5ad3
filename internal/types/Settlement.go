/*

This file contains the settlement claim reported by the payment facilitator after a buyer paid
for a resource. The claim is only a hint: the amount actually received is read from the chain.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

type Network string

const (
	NetworkDevnet  Network = "devnet"
	NetworkTestnet Network = "testnet"
	NetworkMainnet Network = "mainnet"
)

// Cluster returns the Solana cluster moniker for the network.
func (n Network) Cluster() string {
	if n == NetworkMainnet {
		return "mainnet-beta"
	}
	return string(n)
}

// ParseNetwork accepts both "mainnet" and the cluster name "mainnet-beta".
func ParseNetwork(s string) (Network, bool) {
	switch s {
	case "devnet":
		return NetworkDevnet, true
	case "testnet":
		return NetworkTestnet, true
	case "mainnet", "mainnet-beta":
		return NetworkMainnet, true
	}
	return "", false
}

type SettlementClaim struct {
	TxSignature string      `json:"txSignature"`
	Network     Network     `json:"network"`
	Mint        string      `json:"mint"`
	Amount      sdkmath.Int `json:"amount"` // Raw base units, minimum expected
	PayTo       string      `json:"payTo"`  // Merchant wallet that should have received the funds
	Payer       string      `json:"payer,omitempty"`
	Resource    string      `json:"resource,omitempty"`
	SettledAt   *time.Time  `json:"settledAt,omitempty"`
}
