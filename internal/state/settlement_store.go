package state

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
)

// SettlementStore is the durable set of settlement signatures already acted on.
type SettlementStore struct {
	db *sql.DB
}

func NewSettlementStore(db *sql.DB) *SettlementStore {
	return &SettlementStore{db: db}
}

// Admit records signature and reports whether this call inserted it.
func (s *SettlementStore) Admit(ctx context.Context, signature string) (bool, error) {
	if s.db == nil {
		return false, ErrDatabaseNotInitialized
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_settlements (tx_signature) VALUES ($1) ON CONFLICT (tx_signature) DO NOTHING;`,
		signature)
	if err != nil {
		return false, fmt.Errorf("failed to record settlement %s: %w", signature, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		log.Debug().Str("signature", signature).Msg("Settlement already processed")
	}
	return rows == 1, nil
}

func (s *SettlementStore) IsProcessed(ctx context.Context, signature string) (bool, error) {
	if s.db == nil {
		return false, ErrDatabaseNotInitialized
	}
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_settlements WHERE tx_signature = $1);`,
		signature).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up settlement %s: %w", signature, err)
	}
	return exists, nil
}
