package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

var (
	ErrDepositFailed        = errors.New("deposit failed")
	ErrWithdrawFailed       = errors.New("withdraw failed")
	ErrInvalidAmount        = errors.New("amount must be greater than zero")
	ErrReserveNotFound      = errors.New("reserve for mint not found in lending market")
	ErrInsufficientPosition = errors.New("withdrawal exceeds supplied position")
)

// YieldAdapter moves idle cash into and out of a yield protocol.
// Amounts are human units of the treasury mint.
type YieldAdapter interface {
	// Name identifies the protocol in ledger records.
	Name() string

	// Deposit supplies amount and returns the signature of the last transaction.
	// Errors wrap ErrDepositFailed.
	Deposit(ctx context.Context, amount decimal.Decimal) (string, error)

	// Withdraw redeems amount back to the cash wallet. Errors wrap ErrWithdrawFailed.
	Withdraw(ctx context.Context, amount decimal.Decimal) (string, error)

	// GetApy returns the current supply APY in percent, or 0 when it cannot be read.
	GetApy(ctx context.Context) float64

	// GetPosition returns the amount currently supplied, 0 when there is none.
	GetPosition(ctx context.Context) (decimal.Decimal, error)
}

// Executor signs, submits and confirms one transaction per call.
type Executor interface {
	PublicKey() solana.PublicKey
	Execute(ctx context.Context, label string, instructions []solana.Instruction) (string, error)
}

// StepError reports where a multi-transaction operation stopped. Steps already confirmed
// are not rolled back.
type StepError struct {
	Step          string // Step that failed
	LastCompleted string // Last confirmed step, empty if none
	Signature     string // Signature of the failed step if it was sent
	Err           error
}

func (e *StepError) Error() string {
	if e.LastCompleted == "" {
		return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("step %s failed after %s: %v", e.Step, e.LastCompleted, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Step is one transaction of a multi-transaction operation.
type Step struct {
	Label        string
	Instructions []solana.Instruction
}

// runSteps executes steps in order, each confirmed before the next, and returns the last signature.
func runSteps(ctx context.Context, exec Executor, steps []Step) (string, error) {
	var last, lastCompleted string
	for _, step := range steps {
		sig, err := exec.Execute(ctx, step.Label, step.Instructions)
		if err != nil {
			return "", &StepError{Step: step.Label, LastCompleted: lastCompleted, Signature: sig, Err: err}
		}
		last = sig
		lastCompleted = step.Label
	}
	return last, nil
}
