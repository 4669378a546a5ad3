package chain

import (
	"context"
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/yield402/treasury/internal/logger"
	"golang.org/x/time/rate"
)

var chainLogger = logger.GetForComponent("chain_client")

// SPL token account layout: mint, owner, then the u64 amount.
const (
	tokenAccountAmountOffset = 64
	tokenAccountMinLen       = 72
)

// RPCClient implements Reader and Submitter over Solana JSON-RPC with a client-side rate limit.
type RPCClient struct {
	rpc     *rpc.Client
	limiter *rate.Limiter
	url     string
}

// NewRPCClient creates a client for url allowing at most rps requests per second (0 = unlimited).
func NewRPCClient(url string, rps float64) (*RPCClient, error) {
	if url == "" {
		return nil, errors.New("rpc url cannot be empty")
	}
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = max(1, int(rps))
	}
	chainLogger.Info().Str("url", url).Float64("rps", rps).Msg("RPC client created")
	return &RPCClient{
		rpc:     rpc.New(url),
		limiter: rate.NewLimiter(limit, burst),
		url:     url,
	}, nil
}

func (c *RPCClient) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rpc rate limiter: %w", err)
	}
	return nil
}

// Close releases the underlying HTTP transport.
func (c *RPCClient) Close() error {
	return c.rpc.Close()
}

// GetTransaction fetches a transaction at finalized commitment. A transaction that is unknown
// or not yet finalized returns ErrTransactionNotFound.
func (c *RPCClient) GetTransaction(ctx context.Context, signature string) (*TxEffects, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	maxVersion := uint64(0)
	out, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentFinalized,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if errors.Is(err, rpc.ErrNotFound) || (err == nil && out == nil) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getTransaction %s: %w", signature, err)
	}
	return effectsFromResult(signature, out), nil
}

func effectsFromResult(signature string, out *rpc.GetTransactionResult) *TxEffects {
	effects := &TxEffects{Signature: signature, Slot: out.Slot}
	if out.Meta == nil {
		return effects
	}
	if out.Meta.Err != nil {
		effects.Failed = true
		effects.ErrDetail = fmt.Sprintf("%v", out.Meta.Err)
	}
	effects.Pre = convertTokenBalances(out.Meta.PreTokenBalances)
	effects.Post = convertTokenBalances(out.Meta.PostTokenBalances)
	return effects
}

func convertTokenBalances(in []rpc.TokenBalance) []TokenBalance {
	out := make([]TokenBalance, 0, len(in))
	for _, b := range in {
		tb := TokenBalance{
			AccountIndex: b.AccountIndex,
			Mint:         b.Mint.String(),
			Amount:       sdkmath.ZeroInt(),
		}
		if b.Owner != nil {
			tb.Owner = b.Owner.String()
		}
		if b.UiTokenAmount != nil {
			tb.Decimals = b.UiTokenAmount.Decimals
			if amt, ok := sdkmath.NewIntFromString(b.UiTokenAmount.Amount); ok {
				tb.Amount = amt
			} else {
				chainLogger.Warn().
					Str("mint", tb.Mint).
					Str("amount", b.UiTokenAmount.Amount).
					Msg("Unparseable token amount, treating as zero")
			}
		}
		out = append(out, tb)
	}
	return out
}

// GetTokenHoldings lists every token account owner holds for mint, with balances.
func (c *RPCClient) GetTokenHoldings(ctx context.Context, owner, mint string) (*TokenHoldings, error) {
	ownerKey, err := parseKey(owner)
	if err != nil {
		return nil, err
	}
	mintKey, err := parseKey(mint)
	if err != nil {
		return nil, err
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	supply, err := c.rpc.GetTokenSupply(ctx, mintKey, rpc.CommitmentConfirmed)
	if err != nil {
		return nil, fmt.Errorf("getTokenSupply %s: %w", mint, err)
	}
	if supply == nil || supply.Value == nil {
		return nil, fmt.Errorf("getTokenSupply %s: empty response", mint)
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	accounts, err := c.rpc.GetTokenAccountsByOwner(ctx, ownerKey,
		&rpc.GetTokenAccountsConfig{Mint: &mintKey},
		&rpc.GetTokenAccountsOpts{Commitment: rpc.CommitmentConfirmed, Encoding: solana.EncodingBase64},
	)
	if err != nil {
		return nil, fmt.Errorf("getTokenAccountsByOwner %s: %w", owner, err)
	}

	return holdingsFromResult(mint, supply.Value.Decimals, accounts)
}

func holdingsFromResult(mint string, decimals uint8, accounts *rpc.GetTokenAccountsResult) (*TokenHoldings, error) {
	holdings := &TokenHoldings{Mint: mint, Decimals: decimals}
	if accounts == nil {
		return holdings, nil
	}
	for _, acct := range accounts.Value {
		if acct == nil || acct.Account.Data == nil {
			continue
		}
		amount, err := decodeTokenAmount(acct.Account.Data.GetBinary())
		if err != nil {
			return nil, fmt.Errorf("token account %s: %w", acct.Pubkey, err)
		}
		holdings.Accounts = append(holdings.Accounts, TokenAccount{Address: acct.Pubkey.String(), Amount: amount})
	}
	return holdings, nil
}

func decodeTokenAmount(data []byte) (sdkmath.Int, error) {
	if len(data) < tokenAccountMinLen {
		return sdkmath.ZeroInt(), fmt.Errorf("token account data too short: %d bytes", len(data))
	}
	dec := bin.NewBinDecoder(data)
	if err := dec.SkipBytes(tokenAccountAmountOffset); err != nil {
		return sdkmath.ZeroInt(), err
	}
	amount, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	return sdkmath.NewIntFromUint64(amount), nil
}

// GetAccountData returns raw account data or ErrAccountNotFound.
func (c *RPCClient) GetAccountData(ctx context.Context, address string) ([]byte, error) {
	key, err := parseKey(address)
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.rpc.GetAccountInfoWithOpts(ctx, key, &rpc.GetAccountInfoOpts{
		Commitment: rpc.CommitmentConfirmed,
		Encoding:   solana.EncodingBase64,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	if err != nil {
		return nil, fmt.Errorf("getAccountInfo %s: %w", address, err)
	}
	if out == nil || out.Value == nil || out.Value.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	return out.Value.Data.GetBinary(), nil
}

// FindProgramAccounts returns accounts owned by program matching the size and every filter.
func (c *RPCClient) FindProgramAccounts(ctx context.Context, program string, dataSize uint64, filters ...MemcmpFilter) ([]KeyedAccount, error) {
	programKey, err := parseKey(program)
	if err != nil {
		return nil, err
	}
	rpcFilters := []rpc.RPCFilter{{DataSize: dataSize}}
	for _, f := range filters {
		rpcFilters = append(rpcFilters, rpc.RPCFilter{
			Memcmp: &rpc.RPCFilterMemcmp{Offset: f.Offset, Bytes: solana.Base58(f.Bytes)},
		})
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.rpc.GetProgramAccountsWithOpts(ctx, programKey, &rpc.GetProgramAccountsOpts{
		Commitment: rpc.CommitmentConfirmed,
		Encoding:   solana.EncodingBase64,
		Filters:    rpcFilters,
	})
	if err != nil {
		return nil, fmt.Errorf("getProgramAccounts %s: %w", program, err)
	}

	accounts := make([]KeyedAccount, 0, len(out))
	for _, keyed := range out {
		if keyed == nil || keyed.Account == nil || keyed.Account.Data == nil {
			continue
		}
		accounts = append(accounts, KeyedAccount{Address: keyed.Pubkey.String(), Data: keyed.Account.Data.GetBinary()})
	}
	return accounts, nil
}

func (c *RPCClient) MinimumBalanceForRentExemption(ctx context.Context, size uint64) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	lamports, err := c.rpc.GetMinimumBalanceForRentExemption(ctx, size, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("getMinimumBalanceForRentExemption: %w", err)
	}
	return lamports, nil
}

func (c *RPCClient) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	if err := c.wait(ctx); err != nil {
		return solana.Hash{}, err
	}
	out, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("getLatestBlockhash: %w", err)
	}
	if out == nil || out.Value == nil {
		return solana.Hash{}, errors.New("getLatestBlockhash: empty response")
	}
	return out.Value.Blockhash, nil
}

func (c *RPCClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if err := c.wait(ctx); err != nil {
		return solana.Signature{}, err
	}
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sendTransaction: %w", err)
	}
	return sig, nil
}

func (c *RPCClient) SignatureStatus(ctx context.Context, signature solana.Signature) (*SignatureStatus, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.rpc.GetSignatureStatuses(ctx, true, signature)
	if err != nil {
		return nil, fmt.Errorf("getSignatureStatuses: %w", err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return &SignatureStatus{}, nil
	}
	return statusFromResult(out.Value[0]), nil
}

func statusFromResult(res *rpc.SignatureStatusesResult) *SignatureStatus {
	status := &SignatureStatus{Found: true}
	if res.Err != nil {
		status.Failed = true
		status.ErrDetail = fmt.Sprintf("%v", res.Err)
	}
	switch res.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		status.Confirmed = true
	}
	return status
}

func parseKey(address string) (solana.PublicKey, error) {
	key, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w %q: %w", ErrInvalidAddress, address, err)
	}
	return key, nil
}

var (
	_ Reader    = (*RPCClient)(nil)
	_ Submitter = (*RPCClient)(nil)
)
