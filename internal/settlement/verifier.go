package settlement

import (
	"context"
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/yield402/treasury/internal/chain"
	"github.com/yield402/treasury/internal/logger"
	"github.com/yield402/treasury/internal/types"
)

var verifierLogger = logger.GetForComponent("settlement_verifier")

// Rejection reasons. A rejected claim is not an error: Verify reports it in VerifyResult.
var (
	ErrMalformedSignature  = errors.New("transaction signature is malformed")
	ErrNetworkMismatch     = errors.New("claim network does not match the configured network")
	ErrMintMismatch        = errors.New("claim mint does not match the configured mint")
	ErrRecipientMismatch   = errors.New("claim recipient is not the merchant wallet")
	ErrTransactionNotFound = errors.New("transaction not found or not finalized")
	ErrTransactionFailed   = errors.New("transaction failed on chain")
	ErrInsufficientDelta   = errors.New("merchant balance increase is below the claimed amount")
)

// MinSignatureLength is the shortest signature string accepted.
const MinSignatureLength = 64

// VerifyResult is the verdict on one claim.
type VerifyResult struct {
	Accepted bool
	Reason   error       // Rejection sentinel, nil when accepted
	Delta    sdkmath.Int // Net increase observed for the merchant, zero if never read
	Slot     uint64
}

func reject(reason error) VerifyResult {
	return VerifyResult{Reason: reason, Delta: sdkmath.ZeroInt()}
}

// Verifier checks a settlement claim against the finalized transaction on chain.
type Verifier struct {
	reader chain.Reader
}

func NewVerifier(reader chain.Reader) *Verifier {
	return &Verifier{reader: reader}
}

// Verify accepts the claim only if the finalized transaction succeeded and raised the merchant's
// balance of expectedMint by at least the claimed amount. The returned error is set only when the
// chain could not be read; every other failure is a rejection in the result.
func (v *Verifier) Verify(ctx context.Context, claim types.SettlementClaim, expectedNetwork types.Network, expectedMint, expectedRecipient string) (VerifyResult, error) {
	if reason := checkClaim(claim, expectedNetwork, expectedMint, expectedRecipient); reason != nil {
		return reject(reason), nil
	}

	effects, err := v.reader.GetTransaction(ctx, claim.TxSignature)
	switch {
	case errors.Is(err, chain.ErrTransactionNotFound):
		return reject(ErrTransactionNotFound), nil
	case errors.Is(err, chain.ErrInvalidSignature):
		return reject(ErrMalformedSignature), nil
	case err != nil:
		return VerifyResult{}, fmt.Errorf("failed to fetch transaction %s: %w", claim.TxSignature, err)
	}

	if effects.Failed {
		verifierLogger.Warn().Str("signature", claim.TxSignature).Str("error", effects.ErrDetail).Msg("Settlement transaction failed on chain")
		result := reject(fmt.Errorf("%w: %s", ErrTransactionFailed, effects.ErrDetail))
		result.Slot = effects.Slot
		return result, nil
	}

	delta := ReceivedDelta(effects, expectedMint, expectedRecipient)
	result := VerifyResult{Delta: delta, Slot: effects.Slot}
	if delta.LT(claim.Amount) {
		verifierLogger.Warn().
			Str("signature", claim.TxSignature).
			Str("claimed", claim.Amount.String()).
			Str("received", delta.String()).
			Msg("Settlement delta below claimed amount")
		result.Reason = fmt.Errorf("%w: received %s, claimed %s", ErrInsufficientDelta, delta, claim.Amount)
		return result, nil
	}

	result.Accepted = true
	verifierLogger.Info().
		Str("signature", claim.TxSignature).
		Str("received", delta.String()).
		Uint64("slot", effects.Slot).
		Msg("Settlement verified")
	return result, nil
}

func checkClaim(claim types.SettlementClaim, network types.Network, mint, recipient string) error {
	switch {
	case len(claim.TxSignature) < MinSignatureLength:
		return ErrMalformedSignature
	case claim.Network != network:
		return fmt.Errorf("%w: %s != %s", ErrNetworkMismatch, claim.Network, network)
	case claim.Mint != mint:
		return fmt.Errorf("%w: %s", ErrMintMismatch, claim.Mint)
	case claim.PayTo != recipient:
		return fmt.Errorf("%w: %s", ErrRecipientMismatch, claim.PayTo)
	}
	return nil
}

// ReceivedDelta sums post minus pre balance over every token account of mint owned by owner.
// An account with no pre-state entry was created by the transaction and started at zero.
func ReceivedDelta(effects *chain.TxEffects, mint, owner string) sdkmath.Int {
	pre := make(map[uint16]sdkmath.Int, len(effects.Pre))
	for _, b := range effects.Pre {
		if b.Mint == mint && b.Owner == owner {
			pre[b.AccountIndex] = b.Amount
		}
	}

	delta := sdkmath.ZeroInt()
	for _, post := range effects.Post {
		if post.Mint != mint || post.Owner != owner {
			continue
		}
		before, ok := pre[post.AccountIndex]
		if !ok {
			before = sdkmath.ZeroInt()
		}
		delta = delta.Add(post.Amount.Sub(before))
	}
	return delta
}
