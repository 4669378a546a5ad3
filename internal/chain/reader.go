package chain

import (
	"context"
	"errors"

	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found at finalized commitment")
	ErrAccountNotFound     = errors.New("account not found")
	ErrInvalidAddress      = errors.New("invalid base58 address")
	ErrInvalidSignature    = errors.New("invalid transaction signature")
)

// TokenBalance is one SPL token account balance inside a transaction's pre or post state.
type TokenBalance struct {
	AccountIndex uint16
	Mint         string
	Owner        string
	Amount       sdkmath.Int // Raw base units
	Decimals     uint8
}

// TxEffects is the part of a finalized transaction the treasury cares about.
type TxEffects struct {
	Signature string
	Slot      uint64
	Failed    bool   // Execution error recorded in the transaction meta
	ErrDetail string // Error as reported by the node, if Failed
	Pre       []TokenBalance
	Post      []TokenBalance
}

// TokenAccount is an SPL token account owned by a wallet.
type TokenAccount struct {
	Address string
	Amount  sdkmath.Int
}

// TokenHoldings is every account a wallet holds for one mint.
type TokenHoldings struct {
	Mint     string
	Decimals uint8
	Accounts []TokenAccount
}

// Total sums the balance of every account.
func (h TokenHoldings) Total() sdkmath.Int {
	total := sdkmath.ZeroInt()
	for _, a := range h.Accounts {
		total = total.Add(a.Amount)
	}
	return total
}

// MemcmpFilter matches Bytes at Offset in program account data.
type MemcmpFilter struct {
	Offset uint64
	Bytes  []byte
}

type KeyedAccount struct {
	Address string
	Data    []byte
}

// Reader is read-only access to chain state.
type Reader interface {
	GetTransaction(ctx context.Context, signature string) (*TxEffects, error)
	GetTokenHoldings(ctx context.Context, owner, mint string) (*TokenHoldings, error)
	GetAccountData(ctx context.Context, address string) ([]byte, error)
	FindProgramAccounts(ctx context.Context, program string, dataSize uint64, filters ...MemcmpFilter) ([]KeyedAccount, error)
	MinimumBalanceForRentExemption(ctx context.Context, size uint64) (uint64, error)
}

// SignatureStatus is the cluster's view of a submitted transaction.
type SignatureStatus struct {
	Found     bool
	Confirmed bool // Reached confirmed or finalized commitment
	Failed    bool
	ErrDetail string
}

// Submitter sends signed transactions and reports their status.
type Submitter interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	SignatureStatus(ctx context.Context, signature solana.Signature) (*SignatureStatus, error)
}
