/*

This file implements the treasury transaction ledger. A record is written as pending before any
funds move and then finishes exactly once, as success with the final signature or as failed
with the cause. Request metadata survives every transition.

*/

package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yield402/treasury/internal/logger"
	"github.com/yield402/treasury/internal/metrics"
	"github.com/yield402/treasury/internal/types"
	"github.com/yield402/treasury/internal/vault"
)

var ledgerLogger = logger.GetForComponent("ledger")

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Request describes a transaction about to be attempted.
type Request struct {
	Type     types.TransactionType
	Amount   decimal.Decimal
	Protocol string
	From     string
	To       string
	Metadata map[string]any
}

type Ledger struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Begin persists a pending record for req.
func (l *Ledger) Begin(ctx context.Context, req Request) (*types.TreasuryTransaction, error) {
	tx := &types.TreasuryTransaction{
		ID:          uuid.New(),
		Type:        req.Type,
		AmountUSDC:  req.Amount,
		Status:      types.StatusPending,
		Protocol:    req.Protocol,
		FromAddress: req.From,
		ToAddress:   req.To,
		Metadata:    types.MergeMetadata(req.Metadata, nil),
		CreatedAt:   l.now().UTC(),
	}
	if err := tx.Validate(); err != nil {
		return nil, fmt.Errorf("invalid treasury transaction: %w", err)
	}
	if err := l.store.Insert(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to record pending transaction: %w", err)
	}

	metrics.LedgerTransitions.WithLabelValues(string(tx.Type), string(types.StatusPending)).Inc()
	ledgerLogger.Info().
		Str("id", tx.ID.String()).
		Str("type", string(tx.Type)).
		Str("amount", tx.AmountUSDC.String()).
		Str("protocol", tx.Protocol).
		Msg("Transaction pending")
	return tx, nil
}

// Complete moves a pending record to success with its final signature.
func (l *Ledger) Complete(ctx context.Context, id uuid.UUID, signature string, metadata map[string]any) (*types.TreasuryTransaction, error) {
	if signature == "" {
		return nil, fmt.Errorf("%w: empty signature for %s", types.ErrSignatureInvariant, id)
	}
	patch := types.MergeMetadata(metadata, map[string]any{
		types.MetaCompletedAt: l.now().UTC().Format(time.RFC3339Nano),
	})
	tx, err := l.store.Transition(ctx, id, types.StatusSuccess, &signature, patch)
	if err != nil {
		return nil, err
	}

	metrics.LedgerTransitions.WithLabelValues(string(tx.Type), string(tx.Status)).Inc()
	metrics.MovedUSDC.WithLabelValues(string(tx.Type)).Add(tx.AmountUSDC.InexactFloat64())
	ledgerLogger.Info().Str("id", id.String()).Str("signature", signature).Msg("Transaction succeeded")
	return tx, nil
}

// Fail moves a pending record to failed. Step progress carried by cause is kept in metadata.
func (l *Ledger) Fail(ctx context.Context, id uuid.UUID, cause error, metadata map[string]any) (*types.TreasuryTransaction, error) {
	patch := types.MergeMetadata(metadata, failureMetadata(cause))
	patch[types.MetaFailedAt] = l.now().UTC().Format(time.RFC3339Nano)

	tx, err := l.store.Transition(ctx, id, types.StatusFailed, nil, patch)
	if err != nil {
		return nil, err
	}

	metrics.LedgerTransitions.WithLabelValues(string(tx.Type), string(tx.Status)).Inc()
	ledgerLogger.Warn().Str("id", id.String()).Err(cause).Msg("Transaction failed")
	return tx, nil
}

func failureMetadata(cause error) map[string]any {
	meta := map[string]any{}
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	meta[types.MetaError] = cause.Error()

	var stepErr *vault.StepError
	if errors.As(cause, &stepErr) {
		meta[types.MetaFailedStep] = stepErr.Step
		if stepErr.LastCompleted != "" {
			meta[types.MetaLastCompletedStep] = stepErr.LastCompleted
		}
		if stepErr.Signature != "" {
			meta["failedSignature"] = stepErr.Signature
		}
	}
	return meta
}

// Record runs fn between Begin and Complete or Fail. It returns the final record, or the pending
// one if the closing transition could not be written, together with fn's error.
func (l *Ledger) Record(ctx context.Context, req Request, fn func(ctx context.Context) (string, error)) (*types.TreasuryTransaction, error) {
	tx, err := l.Begin(ctx, req)
	if err != nil {
		return nil, err
	}

	sig, callErr := fn(ctx)

	// The record closes even when the caller's context is done.
	closeCtx := context.WithoutCancel(ctx)
	if callErr != nil {
		failed, err := l.Fail(closeCtx, tx.ID, callErr, nil)
		if err != nil {
			ledgerLogger.Error().Err(err).Str("id", tx.ID.String()).Msg("Could not mark transaction failed")
			return tx, errors.Join(callErr, err)
		}
		return failed, callErr
	}

	done, err := l.Complete(closeCtx, tx.ID, sig, nil)
	if err != nil {
		ledgerLogger.Error().Err(err).Str("id", tx.ID.String()).Str("signature", sig).Msg("Could not mark transaction succeeded")
		return tx, err
	}
	return done, nil
}

func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*types.TreasuryTransaction, error) {
	return l.store.Get(ctx, id)
}

// List returns one page of history, newest first.
func (l *Ledger) List(ctx context.Context, page, limit int) ([]types.TreasuryTransaction, types.Page, error) {
	page, limit = normalizePage(page, limit)
	txs, total, err := l.store.List(ctx, (page-1)*limit, limit)
	if err != nil {
		return nil, types.Page{}, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, types.Page{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: (total + limit - 1) / limit,
	}, nil
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	switch {
	case limit == 0:
		limit = DefaultPageLimit
	case limit < 1:
		limit = 1
	case limit > MaxPageLimit:
		limit = MaxPageLimit
	}
	return page, limit
}
