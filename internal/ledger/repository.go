package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the repository issues statements through.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository wraps all SQL touching the credit_accounts table.
type Repository struct {
	db        DB
	opTimeout time.Duration
}

// NewRepository constructs a repository. opTimeout bounds each statement so a
// stalled database surfaces as an error instead of a hung request.
func NewRepository(db DB, opTimeout time.Duration) *Repository {
	return &Repository{db: db, opTimeout: opTimeout}
}

func (r *Repository) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.opTimeout)
}

// EnsureAccount creates the zero-balance account for a principal on first
// contact. Existing rows are left untouched.
func (r *Repository) EnsureAccount(ctx context.Context, principalID string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	now := time.Now().UTC()
	_, err := r.db.Exec(ctx, `
		INSERT INTO credit_accounts (principal_id, credit_balance, free_scan_consumed, total_scans, created_at, updated_at)
		VALUES ($1, 0, FALSE, 0, $2, $2)
		ON CONFLICT (principal_id) DO NOTHING
	`, principalID, now)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

// Get returns the account for a principal. Read-only; callers never mutate
// balances through the value they get back.
func (r *Repository) Get(ctx context.Context, principalID string) (*Account, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	var acc Account
	row := r.db.QueryRow(ctx, `
		SELECT principal_id, credit_balance, free_scan_consumed, total_scans, created_at, updated_at
		FROM credit_accounts WHERE principal_id = $1
	`, principalID)
	if err := row.Scan(&acc.PrincipalID, &acc.CreditBalance, &acc.FreeScanConsumed, &acc.TotalScans, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("select account: %w", err)
	}
	return &acc, nil
}

// tryConsumeStmt is one conditional update under a row lock. The CTE captures
// the pre-update row so the statement both decides (free flag first, then
// paid balance) and reports which entitlement it spent. Zero rows back means
// the account had nothing left, or does not exist.
const tryConsumeStmt = `
WITH current AS (
	SELECT principal_id, free_scan_consumed, credit_balance
	FROM credit_accounts
	WHERE principal_id = $1
	FOR UPDATE
)
UPDATE credit_accounts a
SET free_scan_consumed = TRUE,
	credit_balance = CASE WHEN current.free_scan_consumed THEN a.credit_balance - 1 ELSE a.credit_balance END,
	total_scans = a.total_scans + 1,
	updated_at = $2
FROM current
WHERE a.principal_id = current.principal_id
  AND (current.free_scan_consumed = FALSE OR current.credit_balance > 0)
RETURNING current.free_scan_consumed, a.credit_balance, a.total_scans`

// TryConsume atomically spends one unit of entitlement: the free scan if it
// is still available, otherwise one paid credit. A serialization failure is
// retried exactly once; that retry is contention handling, not a second
// consume attempt.
func (r *Repository) TryConsume(ctx context.Context, principalID string) (*ConsumeResult, error) {
	res, err := r.tryConsumeOnce(ctx, principalID)
	if errors.Is(err, ErrConflict) {
		res, err = r.tryConsumeOnce(ctx, principalID)
	}
	return res, err
}

func (r *Repository) tryConsumeOnce(ctx context.Context, principalID string) (*ConsumeResult, error) {
	var (
		freeAlreadyConsumed bool
		balance             int
		totalScans          int64
	)
	opCtx, cancel := r.opCtx(ctx)
	defer cancel()
	row := r.db.QueryRow(opCtx, tryConsumeStmt, principalID, time.Now().UTC())
	if err := row.Scan(&freeAlreadyConsumed, &balance, &totalScans); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.classifyDenial(ctx, principalID)
		}
		if isSerializationFailure(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("consume entitlement: %w", err)
	}
	used := EntitlementFree
	if freeAlreadyConsumed {
		used = EntitlementCredit
	}
	return &ConsumeResult{Used: used, RemainingBalance: balance, TotalScans: totalScans}, nil
}

// classifyDenial distinguishes an exhausted account from a missing one. This
// read happens only after the conditional update already refused to grant,
// so it cannot race a balance away from anyone.
func (r *Repository) classifyDenial(ctx context.Context, principalID string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM credit_accounts WHERE principal_id = $1)`, principalID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("classify denial: %w", err)
	}
	if !exists {
		return ErrAccountNotFound
	}
	return ErrNoEntitlement
}

// CreditTx increments the balance inside a caller-owned transaction. It is
// only invoked by the payment reconciler, in the same transaction that
// records the payment row.
func CreditTx(ctx context.Context, tx pgx.Tx, principalID string, credits int) error {
	ct, err := tx.Exec(ctx, `
		UPDATE credit_accounts
		SET credit_balance = credit_balance + $2, updated_at = $3
		WHERE principal_id = $1
	`, principalID, credits, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("credit account: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// EnsureAccountTx mirrors EnsureAccount inside a caller-owned transaction.
func EnsureAccountTx(ctx context.Context, tx pgx.Tx, principalID string) error {
	now := time.Now().UTC()
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_accounts (principal_id, credit_balance, free_scan_consumed, total_scans, created_at, updated_at)
		VALUES ($1, 0, FALSE, 0, $2, $2)
		ON CONFLICT (principal_id) DO NOTHING
	`, principalID, now)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}
