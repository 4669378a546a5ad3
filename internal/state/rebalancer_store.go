/*

This file manages the rebalancer's persistent state: the cooldown anchor, the runtime parameters,
and the history of controller runs. State lives in a single-row table so a restart resumes the
cooldown where it left off.

*/

package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/yield402/treasury/internal/types"
)

type RebalancerStore struct {
	db *sql.DB
}

func NewRebalancerStore(db *sql.DB) *RebalancerStore {
	return &RebalancerStore{db: db}
}

// LoadState reads the single state row. Fields never written come back nil.
func (s *RebalancerStore) LoadState(ctx context.Context) (*types.RebalancerState, error) {
	if s.db == nil {
		return nil, ErrDatabaseNotInitialized
	}

	query := `
		SELECT last_deposit_at, min_buffer_usdc, min_deposit_usdc, cooldown_sec
		FROM rebalancer_state
		WHERE id = 1;`

	var (
		lastDeposit sql.NullTime
		minBuffer   decimal.NullDecimal
		minDeposit  decimal.NullDecimal
		cooldown    sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, query).Scan(&lastDeposit, &minBuffer, &minDeposit, &cooldown)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// EnsureSchema inserts the row; a missing row means a fresh or reset database
			log.Warn().Msg("No rebalancer state row found")
			return &types.RebalancerState{}, nil
		}
		return nil, fmt.Errorf("failed to load rebalancer state: %w", err)
	}

	state := &types.RebalancerState{}
	if lastDeposit.Valid {
		t := lastDeposit.Time
		state.LastDepositAt = &t
	}
	if minBuffer.Valid && minDeposit.Valid && cooldown.Valid {
		state.Parameters = &types.RebalancerParameters{
			MinBufferUSDC:   minBuffer.Decimal,
			MinDepositUSDC:  minDeposit.Decimal,
			CooldownSeconds: int(cooldown.Int64),
		}
	}

	log.Debug().
		Bool("hasLastDeposit", state.LastDepositAt != nil).
		Bool("hasParameters", state.Parameters != nil).
		Msg("Loaded rebalancer state")
	return state, nil
}

func (s *RebalancerStore) SaveLastDepositAt(ctx context.Context, at time.Time) error {
	if s.db == nil {
		return ErrDatabaseNotInitialized
	}
	updateQuery := `
		UPDATE rebalancer_state
		SET last_deposit_at = $1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = 1;`
	return s.updateStateRow(ctx, "last deposit time", updateQuery, at)
}

func (s *RebalancerStore) SaveParameters(ctx context.Context, params types.RebalancerParameters) error {
	if s.db == nil {
		return ErrDatabaseNotInitialized
	}
	updateQuery := `
		UPDATE rebalancer_state
		SET min_buffer_usdc = $1,
		    min_deposit_usdc = $2,
		    cooldown_sec = $3,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = 1;`
	if err := s.updateStateRow(ctx, "parameters", updateQuery, params.MinBufferUSDC, params.MinDepositUSDC, params.CooldownSeconds); err != nil {
		return err
	}
	log.Info().
		Str("minBufferUsdc", params.MinBufferUSDC.String()).
		Str("minDepositUsdc", params.MinDepositUSDC.String()).
		Int("cooldownSec", params.CooldownSeconds).
		Msg("Saved rebalancer parameters")
	return nil
}

func (s *RebalancerStore) updateStateRow(ctx context.Context, what, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to save rebalancer %s: %w", what, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("no rebalancer state row updated when saving %s", what)
	}
	return nil
}

// RecordRun appends one controller run to the history.
func (s *RebalancerStore) RecordRun(ctx context.Context, run types.RebalanceRun) error {
	if s.db == nil {
		return ErrDatabaseNotInitialized
	}

	query := `
		INSERT INTO rebalance_runs (
			run_id, reason, status, cash_usdc, excess_usdc, transaction_id, error, started_at, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`

	var errText sql.NullString
	if run.Error != "" {
		errText = sql.NullString{String: run.Error, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.Reason, run.Status, run.CashUSDC, run.ExcessUSDC, uuid.NullUUID{UUID: derefUUID(run.TransactionID), Valid: run.TransactionID != nil},
		errText, run.StartedAt, run.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record rebalance run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *RebalancerStore) ListRuns(ctx context.Context, limit int) ([]types.RebalanceRun, error) {
	if s.db == nil {
		return nil, ErrDatabaseNotInitialized
	}
	if limit <= 0 || limit > 100 {
		limit = 10 // Default limit
	}

	query := `
		SELECT run_id, reason, status, cash_usdc, excess_usdc, transaction_id, error, started_at, duration_ms
		FROM rebalance_runs
		ORDER BY started_at DESC
		LIMIT $1;`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query rebalance runs: %w", err)
	}
	defer rows.Close()

	var runs []types.RebalanceRun
	for rows.Next() {
		var (
			run        types.RebalanceRun
			txID       uuid.NullUUID
			errText    sql.NullString
			durationMs int64
		)
		if err := rows.Scan(&run.ID, &run.Reason, &run.Status, &run.CashUSDC, &run.ExcessUSDC, &txID, &errText, &run.StartedAt, &durationMs); err != nil {
			return nil, fmt.Errorf("failed to scan rebalance run: %w", err)
		}
		if txID.Valid {
			id := txID.UUID
			run.TransactionID = &id
		}
		run.Error = errText.String
		run.Duration = time.Duration(durationMs) * time.Millisecond
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}

// RunSummary aggregates the whole run history.
func (s *RebalancerStore) RunSummary(ctx context.Context) (*types.RunSummary, error) {
	if s.db == nil {
		return nil, ErrDatabaseNotInitialized
	}

	query := `
		SELECT status, COUNT(*), COALESCE(SUM(excess_usdc), 0), MAX(started_at)
		FROM rebalance_runs
		GROUP BY status;`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize rebalance runs: %w", err)
	}
	defer rows.Close()

	summary := &types.RunSummary{ByStatus: map[types.RebalanceStatus]int{}}
	for rows.Next() {
		var (
			status types.RebalanceStatus
			count  int
			excess decimal.Decimal
			last   time.Time
		)
		if err := rows.Scan(&status, &count, &excess, &last); err != nil {
			return nil, fmt.Errorf("failed to scan run summary: %w", err)
		}
		summary.TotalRuns += count
		summary.ByStatus[status] = count
		if status == types.RebalanceDeposited {
			summary.DepositedUSDC = excess
		}
		if summary.LastRunAt == nil || last.After(*summary.LastRunAt) {
			summary.LastRunAt = &last
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return summary, nil
}

func derefUUID(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}
