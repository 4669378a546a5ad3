/*

This file implements the merchant-facing treasury operations: balances, APY, manual deposits and
withdrawals, and transaction history. Every operation that moves funds goes through the ledger.

*/

package treasury

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yield402/treasury/internal/ledger"
	"github.com/yield402/treasury/internal/logger"
	"github.com/yield402/treasury/internal/metrics"
	"github.com/yield402/treasury/internal/rebalancer"
	"github.com/yield402/treasury/internal/types"
	"github.com/yield402/treasury/internal/vault"
)

var serviceLogger = logger.GetForComponent("treasury")

var ErrCashNotConfigured = errors.New("merchant wallet address or mint is not configured")

// OperationCode is the machine-readable outcome of a manual deposit or withdrawal.
type OperationCode string

const (
	CodeOK            OperationCode = "ok"
	CodeInvalidAmount OperationCode = "invalid_amount"
	CodeAdapterFailed OperationCode = "adapter_failed"
)

type OperationResult struct {
	Code        OperationCode              `json:"code"`
	Transaction *types.TreasuryTransaction `json:"transaction,omitempty"`
	Error       string                     `json:"error,omitempty"`
}

// Service ties the yield adapter, the ledger and the merchant's cash account together.
type Service struct {
	adapter vault.YieldAdapter
	ledger  *ledger.Ledger
	cash    rebalancer.CashSource
	address string
}

func NewService(adapter vault.YieldAdapter, l *ledger.Ledger, cash rebalancer.CashSource, address string) *Service {
	return &Service{adapter: adapter, ledger: l, cash: cash, address: address}
}

func (s *Service) AdapterName() string { return s.adapter.Name() }

// GetApy returns the adapter's current supply APY in percent, 0 when unknown.
func (s *Service) GetApy(ctx context.Context) float64 {
	apy := s.adapter.GetApy(ctx)
	metrics.SupplyAPYPercent.Set(apy)
	return apy
}

// GetBalances reads cash and position fresh from the chain.
func (s *Service) GetBalances(ctx context.Context) (*types.Balances, error) {
	cash, err := s.cash.IdleCash(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read cash buffer: %w", err)
	}
	position, err := s.adapter.GetPosition(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s position: %w", s.adapter.Name(), err)
	}

	balances := &types.Balances{
		CashBufferUSDC:      cash,
		InYieldUSDC:         position,
		EstimatedAPYPercent: s.GetApy(ctx),
	}
	metrics.CashBufferUSDC.Set(cash.InexactFloat64())
	metrics.InYieldUSDC.Set(position.InexactFloat64())
	return balances, nil
}

// Deposit moves amount from the merchant wallet into the yield protocol.
func (s *Service) Deposit(ctx context.Context, amount decimal.Decimal) OperationResult {
	return s.move(ctx, types.TransactionDeposit, amount, s.address, s.adapter.Name(), s.adapter.Deposit)
}

// Withdraw moves amount from the yield protocol back to the merchant wallet.
func (s *Service) Withdraw(ctx context.Context, amount decimal.Decimal) OperationResult {
	return s.move(ctx, types.TransactionWithdraw, amount, s.adapter.Name(), s.address, s.adapter.Withdraw)
}

func (s *Service) move(ctx context.Context, txType types.TransactionType, amount decimal.Decimal, from, to string, op func(context.Context, decimal.Decimal) (string, error)) OperationResult {
	if !amount.IsPositive() {
		return OperationResult{Code: CodeInvalidAmount, Error: fmt.Sprintf("amount must be positive, got %s", amount)}
	}

	tx, err := s.ledger.Record(ctx, ledger.Request{
		Type:     txType,
		Amount:   amount,
		Protocol: s.adapter.Name(),
		From:     from,
		To:       to,
		Metadata: map[string]any{types.MetaTrigger: "manual"},
	}, func(ctx context.Context) (string, error) {
		return op(ctx, amount)
	})
	if err != nil {
		serviceLogger.Error().Err(err).Str("type", string(txType)).Str("amount", amount.String()).Msg("Manual operation failed")
		return OperationResult{Code: CodeAdapterFailed, Transaction: tx, Error: err.Error()}
	}
	return OperationResult{Code: CodeOK, Transaction: tx}
}

// ListTransactions returns one page of ledger history, newest first.
func (s *Service) ListTransactions(ctx context.Context, page, limit int) ([]types.TreasuryTransaction, types.Page, error) {
	return s.ledger.List(ctx, page, limit)
}

func (s *Service) GetTransaction(ctx context.Context, id string) (*types.TreasuryTransaction, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", types.ErrTransactionNotFound, id)
	}
	return s.ledger.Get(ctx, parsed)
}
