// ./internal/state/db.go
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

var ErrDatabaseNotInitialized = errors.New("database not initialized")

// DB is a global database connection pool.
var DB *sql.DB

// DBConfig holds database connection parameters.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string // "disable", "require", "verify-full", etc.
}

// DSN renders the config as a lib/pq connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// InitDB initializes the database connection pool.
func InitDB(cfg DBConfig) error {
	var err error
	DB, err = sql.Open("postgres", cfg.DSN())
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}

	DB.SetMaxOpenConns(25)
	DB.SetMaxIdleConns(25)
	DB.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err = DB.PingContext(ctx); err != nil {
		DB.Close()
		DB = nil
		return fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Str("host", cfg.Host).Str("db", cfg.DBName).Msg("Successfully connected to the PostgreSQL database!")
	return nil
}

// CloseDB closes the database connection pool.
func CloseDB() {
	if DB != nil {
		log.Info().Msg("Closing database connection...")
		if err := DB.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database connection")
		}
	}
}

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS treasury_transactions (
		id UUID PRIMARY KEY,
		type VARCHAR(16) NOT NULL CHECK (type IN ('deposit', 'withdraw')),
		amount_usdc NUMERIC(30, 9) NOT NULL CHECK (amount_usdc > 0),
		status VARCHAR(16) NOT NULL CHECK (status IN ('pending', 'success', 'failed')),
		protocol VARCHAR(32) NOT NULL,
		from_address TEXT NOT NULL,
		to_address TEXT NOT NULL,
		tx_signature TEXT,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT signature_iff_success CHECK ((status = 'success') = (tx_signature IS NOT NULL))
	);
	CREATE INDEX IF NOT EXISTS idx_treasury_transactions_created ON treasury_transactions(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_treasury_transactions_status ON treasury_transactions(status);

	CREATE TABLE IF NOT EXISTS processed_settlements (
		tx_signature TEXT PRIMARY KEY,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Single row holding the controller's cooldown anchor and runtime parameters
	CREATE TABLE IF NOT EXISTS rebalancer_state (
		id INTEGER PRIMARY KEY DEFAULT 1,
		last_deposit_at TIMESTAMPTZ,
		min_buffer_usdc NUMERIC(30, 9),
		min_deposit_usdc NUMERIC(30, 9),
		cooldown_sec INTEGER,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT single_row_check CHECK (id = 1)
	);

	INSERT INTO rebalancer_state (id)
	VALUES (1)
	ON CONFLICT (id) DO NOTHING;

	CREATE TABLE IF NOT EXISTS rebalance_runs (
		run_id UUID PRIMARY KEY,
		reason TEXT NOT NULL,
		status VARCHAR(32) NOT NULL,
		cash_usdc NUMERIC(30, 9) NOT NULL,
		excess_usdc NUMERIC(30, 9) NOT NULL,
		transaction_id UUID REFERENCES treasury_transactions(id),
		error TEXT,
		started_at TIMESTAMPTZ NOT NULL,
		duration_ms BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rebalance_runs_started ON rebalance_runs(started_at DESC);
`

// EnsureSchema applies the necessary DDL to create tables if they don't exist.
func EnsureSchema() error {
	if DB == nil {
		return ErrDatabaseNotInitialized
	}
	if _, err := DB.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema DDL: %w", err)
	}
	log.Info().Msg("Database schema ensured.")
	return nil
}

// DropSchema removes every treasury table. Used by the reset script only.
func DropSchema() error {
	if DB == nil {
		return ErrDatabaseNotInitialized
	}
	dropSQL := `
		DROP TABLE IF EXISTS rebalance_runs CASCADE;
		DROP TABLE IF EXISTS rebalancer_state CASCADE;
		DROP TABLE IF EXISTS processed_settlements CASCADE;
		DROP TABLE IF EXISTS treasury_transactions CASCADE;
	`
	if _, err := DB.Exec(dropSQL); err != nil {
		return fmt.Errorf("failed to drop tables: %w", err)
	}
	log.Warn().Msg("All treasury tables dropped")
	return nil
}

// TestDBConnection tests if the database connection is healthy
func TestDBConnection() error {
	if DB == nil {
		return ErrDatabaseNotInitialized
	}

	// Use a short timeout context for health checks
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := DB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
