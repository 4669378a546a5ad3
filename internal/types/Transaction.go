/*

This file contains the treasury transaction record. Every attempt to move funds between the
merchant's cash buffer and the yield protocol is written here before any chain call is made.

*/

package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTransition   = errors.New("invalid transaction status transition")
	ErrTransactionNotFound = errors.New("treasury transaction not found")
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrInvalidType         = errors.New("transaction type must be deposit or withdraw")
	ErrSignatureInvariant  = errors.New("signature must be set exactly when status is success")
)

type TransactionType string

const (
	TransactionDeposit  TransactionType = "deposit"
	TransactionWithdraw TransactionType = "withdraw"
)

type TransactionStatus string

const (
	StatusPending TransactionStatus = "pending"
	StatusSuccess TransactionStatus = "success"
	StatusFailed  TransactionStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Metadata keys written by the ledger.
const (
	MetaCompletedAt       = "completedAt"
	MetaFailedAt          = "failedAt"
	MetaError             = "error"
	MetaLastCompletedStep = "lastCompletedStep"
	MetaFailedStep        = "failedStep"
	MetaTrigger           = "trigger"
)

// TreasuryTransaction is one deposit or withdrawal attempt.
type TreasuryTransaction struct {
	ID          uuid.UUID         `json:"id"`
	Type        TransactionType   `json:"type"`
	AmountUSDC  decimal.Decimal   `json:"amountUsdc"`  // Human units, e.g. 15.00
	Status      TransactionStatus `json:"status"`      // pending -> success | failed
	Protocol    string            `json:"protocol"`    // Adapter name, e.g. "solend"
	FromAddress string            `json:"fromAddress"` // Source of funds
	ToAddress   string            `json:"toAddress"`   // Destination of funds
	TxSignature *string           `json:"txSignature"` // Last on-chain signature, set only on success
	Metadata    map[string]any    `json:"metadata"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Validate checks the record invariants.
func (t *TreasuryTransaction) Validate() error {
	var errs []error
	if t.Type != TransactionDeposit && t.Type != TransactionWithdraw {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidType, t.Type))
	}
	if !t.AmountUSDC.IsPositive() {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidAmount, t.AmountUSDC.String()))
	}
	switch t.Status {
	case StatusPending, StatusSuccess, StatusFailed:
	default:
		errs = append(errs, fmt.Errorf("unknown status %q", t.Status))
	}
	hasSignature := t.TxSignature != nil && *t.TxSignature != ""
	if hasSignature != (t.Status == StatusSuccess) {
		errs = append(errs, ErrSignatureInvariant)
	}
	return errors.Join(errs...)
}

// MergeMetadata returns a copy of base with every key of patch applied on top.
func MergeMetadata(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Page describes one slice of a paginated listing.
type Page struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}
