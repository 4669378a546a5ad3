/*

This file contains the rebalancer's runtime parameters and the per-trigger run record.

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
	ErrNegativeBuffer   = errors.New("minimum buffer cannot be negative")
	ErrNegativeDeposit  = errors.New("minimum deposit cannot be negative")
	ErrNegativeCooldown = errors.New("cooldown cannot be negative")
)

type RebalancerParameters struct {
	MinBufferUSDC   decimal.Decimal `json:"minBufferUsdc"`  // Cash always left liquid
	MinDepositUSDC  decimal.Decimal `json:"minDepositUsdc"` // Smallest sweep worth a transaction
	CooldownSeconds int             `json:"cooldownSec"`    // Minimum gap between successful deposits
}

func (p RebalancerParameters) Cooldown() time.Duration {
	return time.Duration(p.CooldownSeconds) * time.Second
}

func (p RebalancerParameters) Validate() error {
	var errs []error
	if p.MinBufferUSDC.IsNegative() {
		errs = append(errs, fmt.Errorf("%w: %s", ErrNegativeBuffer, p.MinBufferUSDC))
	}
	if p.MinDepositUSDC.IsNegative() {
		errs = append(errs, fmt.Errorf("%w: %s", ErrNegativeDeposit, p.MinDepositUSDC))
	}
	if p.CooldownSeconds < 0 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrNegativeCooldown, p.CooldownSeconds))
	}
	return errors.Join(errs...)
}

type RebalanceStatus string

const (
	RebalanceDeposited        RebalanceStatus = "deposited"
	RebalanceSkippedCooldown  RebalanceStatus = "skipped_cooldown"
	RebalanceSkippedInFlight  RebalanceStatus = "skipped_in_flight"
	RebalanceSkippedThreshold RebalanceStatus = "skipped_threshold"
	RebalanceFailed           RebalanceStatus = "failed"
)

// RebalanceRun records one controller trigger and what it decided.
type RebalanceRun struct {
	ID            uuid.UUID       `json:"id"`
	Reason        string          `json:"reason"` // "interval", "settlement:<sig>", "manual"
	Status        RebalanceStatus `json:"status"`
	CashUSDC      decimal.Decimal `json:"cashUsdc"`
	ExcessUSDC    decimal.Decimal `json:"excessUsdc"`
	TransactionID *uuid.UUID      `json:"transactionId,omitempty"`
	Error         string          `json:"error,omitempty"`
	StartedAt     time.Time       `json:"startedAt"`
	Duration      time.Duration   `json:"duration"`
}

// RebalancerState is what the controller persists across restarts. Nil fields were never saved.
type RebalancerState struct {
	LastDepositAt *time.Time            `json:"lastDepositAt,omitempty"`
	Parameters    *RebalancerParameters `json:"parameters,omitempty"`
}

// RunSummary aggregates the run history.
type RunSummary struct {
	TotalRuns     int                     `json:"totalRuns"`
	ByStatus      map[RebalanceStatus]int `json:"byStatus"`
	DepositedUSDC decimal.Decimal         `json:"depositedUsdc"` // Sum of excess over deposited runs
	LastRunAt     *time.Time              `json:"lastRunAt,omitempty"`
}

// Add folds one run into the summary.
func (s *RunSummary) Add(run RebalanceRun) {
	if s.ByStatus == nil {
		s.ByStatus = map[RebalanceStatus]int{}
	}
	s.TotalRuns++
	s.ByStatus[run.Status]++
	if run.Status == RebalanceDeposited {
		s.DepositedUSDC = s.DepositedUSDC.Add(run.ExcessUSDC)
	}
	if s.LastRunAt == nil || run.StartedAt.After(*s.LastRunAt) {
		started := run.StartedAt
		s.LastRunAt = &started
	}
}
