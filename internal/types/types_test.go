package types

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTreasuryTransactionValidate(t *testing.T) {
	sig := "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW"
	empty := ""
	base := func() TreasuryTransaction {
		return TreasuryTransaction{
			ID:         uuid.New(),
			Type:       TransactionDeposit,
			AmountUSDC: decimal.RequireFromString("15.00"),
			Status:     StatusPending,
			Protocol:   "mock",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*TreasuryTransaction)
		wantErr error
	}{
		{"pending without signature", func(*TreasuryTransaction) {}, nil},
		{"success with signature", func(tx *TreasuryTransaction) { tx.Status = StatusSuccess; tx.TxSignature = &sig }, nil},
		{"success without signature", func(tx *TreasuryTransaction) { tx.Status = StatusSuccess }, ErrSignatureInvariant},
		{"success with empty signature", func(tx *TreasuryTransaction) { tx.Status = StatusSuccess; tx.TxSignature = &empty }, ErrSignatureInvariant},
		{"failed with signature", func(tx *TreasuryTransaction) { tx.Status = StatusFailed; tx.TxSignature = &sig }, ErrSignatureInvariant},
		{"zero amount", func(tx *TreasuryTransaction) { tx.AmountUSDC = decimal.Zero }, ErrInvalidAmount},
		{"unknown type", func(tx *TreasuryTransaction) { tx.Type = "swap" }, ErrInvalidType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := base()
			tt.mutate(&tx)
			err := tx.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestMergeMetadataKeepsBase(t *testing.T) {
	base := map[string]any{"trigger": "settlement:abc", "note": "x"}
	merged := MergeMetadata(base, map[string]any{"error": "boom", "note": "y"})

	assert.Equal(t, "settlement:abc", merged["trigger"])
	assert.Equal(t, "boom", merged["error"])
	assert.Equal(t, "y", merged["note"])
	assert.Equal(t, "x", base["note"], "base map must not be mutated")
}

func TestParseNetwork(t *testing.T) {
	n, ok := ParseNetwork("mainnet-beta")
	require.True(t, ok)
	assert.Equal(t, NetworkMainnet, n)
	assert.Equal(t, "mainnet-beta", n.Cluster())

	_, ok = ParseNetwork("localnet")
	assert.False(t, ok)
}

func TestRebalancerParametersValidate(t *testing.T) {
	ok := RebalancerParameters{MinBufferUSDC: decimal.NewFromInt(10), MinDepositUSDC: decimal.NewFromInt(1), CooldownSeconds: 180}
	assert.NoError(t, ok.Validate())

	bad := RebalancerParameters{MinBufferUSDC: decimal.NewFromInt(-1), MinDepositUSDC: decimal.NewFromInt(-1), CooldownSeconds: -5}
	err := bad.Validate()
	assert.ErrorIs(t, err, ErrNegativeBuffer)
	assert.ErrorIs(t, err, ErrNegativeDeposit)
	assert.ErrorIs(t, err, ErrNegativeCooldown)
}
