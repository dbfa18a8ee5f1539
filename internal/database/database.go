package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the ledger tables if needed. Having the schema in code
// keeps the service self-contained so docker-compose can bootstrap everything.
//
// The CHECK on credit_balance and the primary key on transaction_id are load
// bearing: the balance can never go negative and a replayed payment
// notification can never insert a second row, no matter what the application
// layer does.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS credit_accounts (
	principal_id TEXT PRIMARY KEY,
	credit_balance INTEGER NOT NULL DEFAULT 0 CHECK (credit_balance >= 0),
	free_scan_consumed BOOLEAN NOT NULL DEFAULT FALSE,
	total_scans BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS payment_transactions (
	transaction_id TEXT PRIMARY KEY,
	principal_id TEXT NOT NULL REFERENCES credit_accounts(principal_id) ON DELETE CASCADE,
	credits_purchased INTEGER NOT NULL CHECK (credits_purchased > 0),
	amount_minor_units BIGINT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_payment_transactions_principal ON payment_transactions(principal_id);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
