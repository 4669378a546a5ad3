/*

This file persists treasury transactions. A transition only applies to a pending row, so two
writers racing to finish the same transaction cannot both win.

*/

package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/yield402/treasury/internal/types"
)

var ErrDuplicateTransaction = errors.New("treasury transaction id already exists")

const transactionColumns = `id, type, amount_usdc, status, protocol, from_address, to_address, tx_signature, metadata, created_at`

type TransactionStore struct {
	db *sql.DB
}

func NewTransactionStore(db *sql.DB) *TransactionStore {
	return &TransactionStore{db: db}
}

func (s *TransactionStore) Insert(ctx context.Context, tx *types.TreasuryTransaction) error {
	if s.db == nil {
		return ErrDatabaseNotInitialized
	}
	metadata, err := json.Marshal(nonNilMetadata(tx.Metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO treasury_transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);`

	_, err = s.db.ExecContext(ctx, query,
		tx.ID, tx.Type, tx.AmountUSDC, tx.Status, tx.Protocol, tx.FromAddress, tx.ToAddress,
		tx.TxSignature, metadata, tx.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateTransaction, tx.ID)
		}
		return fmt.Errorf("failed to insert treasury transaction: %w", err)
	}

	log.Debug().Str("id", tx.ID.String()).Str("type", string(tx.Type)).Msg("Inserted treasury transaction")
	return nil
}

// Transition moves a pending transaction to a terminal status, merging patch into its metadata.
func (s *TransactionStore) Transition(ctx context.Context, id uuid.UUID, to types.TransactionStatus, signature *string, patch map[string]any) (*types.TreasuryTransaction, error) {
	if s.db == nil {
		return nil, ErrDatabaseNotInitialized
	}
	metadata, err := json.Marshal(nonNilMetadata(patch))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		UPDATE treasury_transactions
		SET status = $2,
		    tx_signature = $3,
		    metadata = metadata || $4::jsonb
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + transactionColumns + `;`

	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, id, to, signature, metadata))
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to transition treasury transaction %s: %w", id, err)
	}

	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: %s is %s, cannot become %s", types.ErrInvalidTransition, id, current.Status, to)
}

func (s *TransactionStore) Get(ctx context.Context, id uuid.UUID) (*types.TreasuryTransaction, error) {
	if s.db == nil {
		return nil, ErrDatabaseNotInitialized
	}
	query := `SELECT ` + transactionColumns + ` FROM treasury_transactions WHERE id = $1;`
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", types.ErrTransactionNotFound, id)
		}
		return nil, fmt.Errorf("failed to get treasury transaction %s: %w", id, err)
	}
	return tx, nil
}

// List returns one page of transactions, newest first, and the total count.
func (s *TransactionStore) List(ctx context.Context, offset, limit int) ([]types.TreasuryTransaction, int, error) {
	if s.db == nil {
		return nil, 0, ErrDatabaseNotInitialized
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM treasury_transactions;`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count treasury transactions: %w", err)
	}

	query := `
		SELECT ` + transactionColumns + `
		FROM treasury_transactions
		ORDER BY created_at DESC, id
		LIMIT $1 OFFSET $2;`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query treasury transactions: %w", err)
	}
	defer rows.Close()

	txs := make([]types.TreasuryTransaction, 0, limit)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan treasury transaction: %w", err)
		}
		txs = append(txs, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating treasury transactions: %w", err)
	}
	return txs, total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*types.TreasuryTransaction, error) {
	var (
		tx        types.TreasuryTransaction
		signature sql.NullString
		metadata  []byte
	)
	err := row.Scan(
		&tx.ID, &tx.Type, &tx.AmountUSDC, &tx.Status, &tx.Protocol, &tx.FromAddress, &tx.ToAddress,
		&signature, &metadata, &tx.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if signature.Valid {
		sig := signature.String
		tx.TxSignature = &sig
	}
	tx.Metadata = map[string]any{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &tx.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata for %s: %w", tx.ID, err)
		}
	}
	return &tx, nil
}

func nonNilMetadata(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
