package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrNoInstructions      = errors.New("transaction has no instructions")
	ErrConfirmationTimeout = errors.New("transaction not confirmed before timeout")
	ErrTransactionFailed   = errors.New("transaction failed on chain")
)

// Execute builds one transaction from instructions, signs it with the merchant key, sends it
// and waits for confirmed commitment. label names the step in logs and errors.
//
// Once the transaction is sent, the wait no longer follows ctx cancellation; it is bounded by
// the confirmation timeout only.
func (s *SigningClient) Execute(ctx context.Context, label string, instructions []solana.Instruction) (string, error) {
	tx, err := s.BuildAndSign(ctx, instructions)
	if err != nil {
		return "", fmt.Errorf("%s: %w", label, err)
	}

	sig, err := s.submitter.SendTransaction(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("%s: send: %w", label, err)
	}

	walletLogger.Info().
		Str("step", label).
		Str("signature", sig.String()).
		Msg("Transaction sent, waiting for confirmation")

	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.confirmTimeout)
	defer cancel()
	if err := s.WaitForConfirmation(waitCtx, sig); err != nil {
		return sig.String(), fmt.Errorf("%s: %w", label, err)
	}

	walletLogger.Info().
		Str("step", label).
		Str("signature", sig.String()).
		Msg("Transaction confirmed")

	return sig.String(), nil
}

// BuildAndSign creates a transaction paid by the merchant wallet against the latest blockhash.
func (s *SigningClient) BuildAndSign(ctx context.Context, instructions []solana.Instruction) (*solana.Transaction, error) {
	if len(instructions) == 0 {
		return nil, ErrNoInstructions
	}
	blockhash, err := s.submitter.LatestBlockhash(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(s.key.PublicKey()))
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}

	payer := s.key.PublicKey()
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer) {
			return &s.key
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return tx, nil
}

// WaitForConfirmation polls the signature status with capped exponential backoff until it
// reaches confirmed commitment, fails, or ctx expires.
func (s *SigningClient) WaitForConfirmation(ctx context.Context, sig solana.Signature) error {
	delay := s.pollInterval
	for attempt := 1; ; attempt++ {
		status, err := s.submitter.SignatureStatus(ctx, sig)
		switch {
		case err != nil:
			walletLogger.Debug().
				Err(err).
				Str("signature", sig.String()).
				Int("attempt", attempt).
				Msg("Status query failed, will retry")
		case status.Failed:
			return fmt.Errorf("%w: %s", ErrTransactionFailed, status.ErrDetail)
		case status.Confirmed:
			return nil
		default:
			walletLogger.Debug().
				Str("signature", sig.String()).
				Int("attempt", attempt).
				Bool("seen", status.Found).
				Msg("Transaction not yet confirmed")
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s after %d checks", ErrConfirmationTimeout, sig, attempt)
		case <-timer.C:
		}

		delay = delay * 3 / 2
		if delay > s.maxPollInterval {
			delay = s.maxPollInterval
		}
	}
}
