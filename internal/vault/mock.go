package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MockAdapter keeps the position in memory. Used for local runs and tests.
type MockAdapter struct {
	mu         sync.Mutex
	position   decimal.Decimal
	apyPercent float64
	failWith   error
	deposits   []decimal.Decimal
	withdraws  []decimal.Decimal
}

func NewMockAdapter(apyPercent float64) *MockAdapter {
	return &MockAdapter{position: decimal.Zero, apyPercent: apyPercent}
}

func (m *MockAdapter) Name() string { return "mock" }

// FailWith makes every following Deposit and Withdraw fail with err. nil clears it.
func (m *MockAdapter) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

func (m *MockAdapter) Deposit(ctx context.Context, amount decimal.Decimal) (string, error) {
	if !amount.IsPositive() {
		return "", fmt.Errorf("%w: %w", ErrDepositFailed, ErrInvalidAmount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return "", fmt.Errorf("%w: %w", ErrDepositFailed, &StepError{Step: "deposit", Err: m.failWith})
	}
	m.position = m.position.Add(amount)
	m.deposits = append(m.deposits, amount)
	return "mock-" + uuid.NewString(), nil
}

func (m *MockAdapter) Withdraw(ctx context.Context, amount decimal.Decimal) (string, error) {
	if !amount.IsPositive() {
		return "", fmt.Errorf("%w: %w", ErrWithdrawFailed, ErrInvalidAmount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return "", fmt.Errorf("%w: %w", ErrWithdrawFailed, &StepError{Step: "withdraw", Err: m.failWith})
	}
	if amount.GreaterThan(m.position) {
		return "", fmt.Errorf("%w: %w: have %s, requested %s", ErrWithdrawFailed, ErrInsufficientPosition, m.position, amount)
	}
	m.position = m.position.Sub(amount)
	m.withdraws = append(m.withdraws, amount)
	return "mock-" + uuid.NewString(), nil
}

func (m *MockAdapter) GetApy(ctx context.Context) float64 {
	return m.apyPercent
}

func (m *MockAdapter) GetPosition(ctx context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position, nil
}

// Deposits returns every successful deposit amount in order.
func (m *MockAdapter) Deposits() []decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]decimal.Decimal(nil), m.deposits...)
}
