package chain

import (
	"encoding/binary"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectsFromResult(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()

	out := &rpc.GetTransactionResult{
		Slot: 42,
		Meta: &rpc.TransactionMeta{
			PreTokenBalances: []rpc.TokenBalance{
				{AccountIndex: 1, Owner: &owner, Mint: mint, UiTokenAmount: &rpc.UiTokenAmount{Amount: "100", Decimals: 6}},
			},
			PostTokenBalances: []rpc.TokenBalance{
				{AccountIndex: 1, Owner: &owner, Mint: mint, UiTokenAmount: &rpc.UiTokenAmount{Amount: "150", Decimals: 6}},
				{AccountIndex: 2, Mint: mint, UiTokenAmount: &rpc.UiTokenAmount{Amount: "not-a-number", Decimals: 6}},
			},
		},
	}

	effects := effectsFromResult("sig", out)

	assert.Equal(t, uint64(42), effects.Slot)
	assert.False(t, effects.Failed)
	require.Len(t, effects.Pre, 1)
	require.Len(t, effects.Post, 2)
	assert.Equal(t, owner.String(), effects.Post[0].Owner)
	assert.Equal(t, mint.String(), effects.Post[0].Mint)
	assert.Equal(t, "150", effects.Post[0].Amount.String())
	assert.Equal(t, uint8(6), effects.Post[0].Decimals)
	assert.Equal(t, "", effects.Post[1].Owner)
	assert.True(t, effects.Post[1].Amount.IsZero())
}

func TestEffectsFromFailedResult(t *testing.T) {
	out := &rpc.GetTransactionResult{
		Meta: &rpc.TransactionMeta{Err: map[string]any{"InstructionError": []any{0, "Custom"}}},
	}
	effects := effectsFromResult("sig", out)
	assert.True(t, effects.Failed)
	assert.Contains(t, effects.ErrDetail, "InstructionError")
}

func TestStatusFromResult(t *testing.T) {
	tests := []struct {
		name      string
		in        *rpc.SignatureStatusesResult
		confirmed bool
		failed    bool
	}{
		{"processed", &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusProcessed}, false, false},
		{"confirmed", &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusConfirmed}, true, false},
		{"finalized", &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusFinalized}, true, false},
		{"failed", &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusConfirmed, Err: "boom"}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := statusFromResult(tt.in)
			assert.True(t, got.Found)
			assert.Equal(t, tt.confirmed, got.Confirmed)
			assert.Equal(t, tt.failed, got.Failed)
		})
	}
}

func TestDecodeTokenAmount(t *testing.T) {
	data := make([]byte, 165)
	binary.LittleEndian.PutUint64(data[64:], 25_000_000)

	amount, err := decodeTokenAmount(data)
	require.NoError(t, err)
	assert.Equal(t, "25000000", amount.String())

	_, err = decodeTokenAmount(data[:40])
	assert.Error(t, err)
}

func TestHoldingsFromResult(t *testing.T) {
	tokenData := func(amount uint64) *rpc.DataBytesOrJSON {
		data := make([]byte, 165)
		binary.LittleEndian.PutUint64(data[64:], amount)
		return rpc.DataBytesOrJSONFromBytes(data)
	}
	ata := solana.NewWallet().PublicKey()
	aux := solana.NewWallet().PublicKey()

	holdings, err := holdingsFromResult("mint", 6, &rpc.GetTokenAccountsResult{
		Value: []*rpc.TokenAccount{
			{Pubkey: ata, Account: rpc.Account{Data: tokenData(20_000_000)}},
			nil,
			{Pubkey: solana.NewWallet().PublicKey()},
			{Pubkey: aux, Account: rpc.Account{Data: tokenData(5_250_000)}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "mint", holdings.Mint)
	assert.Equal(t, uint8(6), holdings.Decimals)
	require.Len(t, holdings.Accounts, 2)
	assert.Equal(t, ata.String(), holdings.Accounts[0].Address)
	assert.Equal(t, aux.String(), holdings.Accounts[1].Address)
	assert.Equal(t, "25250000", holdings.Total().String())

	_, err = holdingsFromResult("mint", 6, &rpc.GetTokenAccountsResult{
		Value: []*rpc.TokenAccount{{Pubkey: ata, Account: rpc.Account{Data: rpc.DataBytesOrJSONFromBytes(make([]byte, 10))}}},
	})
	assert.ErrorContains(t, err, ata.String())

	empty, err := holdingsFromResult("mint", 6, nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Accounts)
}

func TestTokenHoldingsTotal(t *testing.T) {
	h := TokenHoldings{Accounts: []TokenAccount{
		{Address: "a", Amount: sdkmath.NewInt(15_000_000)},
		{Address: "b", Amount: sdkmath.NewInt(10_000_000)},
	}}
	assert.Equal(t, "25000000", h.Total().String())
	assert.True(t, TokenHoldings{}.Total().IsZero())
}

func TestNewRPCClientValidation(t *testing.T) {
	_, err := NewRPCClient("", 5)
	assert.Error(t, err)

	c, err := NewRPCClient("http://127.0.0.1:8899", 0)
	require.NoError(t, err)
	assert.NotNil(t, c.limiter)
}

func TestParseKey(t *testing.T) {
	_, err := parseKey("not base58 !!")
	assert.ErrorIs(t, err, ErrInvalidAddress)

	key := solana.NewWallet().PublicKey()
	got, err := parseKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, got)
}
