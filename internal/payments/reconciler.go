// Package payments consumes payment-completed notifications and credits the
// ledger exactly once per transaction id, regardless of delivery duplication.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/clarimed/billscan/internal/ledger"
)

// ErrMalformedNotification marks a structurally invalid payload. Signature
// verification already happened at the boundary; this is shape checking only.
var ErrMalformedNotification = errors.New("malformed payment notification")

// Notification is the payload the payment provider delivers after a
// completed purchase. TransactionID doubles as the idempotency key.
type Notification struct {
	TransactionID    string `json:"transaction_id"`
	PrincipalID      string `json:"principal_id"`
	CreditsPurchased int    `json:"credits_purchased"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
}

// Validate rejects payloads the reconciler must never act on.
func (n Notification) Validate() error {
	switch {
	case n.TransactionID == "":
		return fmt.Errorf("%w: missing transaction_id", ErrMalformedNotification)
	case n.PrincipalID == "":
		return fmt.Errorf("%w: missing principal_id", ErrMalformedNotification)
	case n.CreditsPurchased <= 0:
		return fmt.Errorf("%w: credits_purchased must be positive", ErrMalformedNotification)
	case n.AmountMinorUnits < 0:
		return fmt.Errorf("%w: negative amount", ErrMalformedNotification)
	}
	return nil
}

// Outcome reports what a reconciliation attempt did. AlreadyApplied is a
// success, not an error; the notifier must stop retrying either way.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyApplied Outcome = "already_applied"
)

// TxBeginner is the slice of pgxpool.Pool the reconciler needs: one
// transaction per notification.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Reconciler applies notifications against the ledger.
type Reconciler struct {
	db        TxBeginner
	opTimeout time.Duration
	log       *slog.Logger
}

// NewReconciler constructs a Reconciler. opTimeout bounds the whole
// reconciliation transaction.
func NewReconciler(db TxBeginner, opTimeout time.Duration, log *slog.Logger) *Reconciler {
	return &Reconciler{db: db, opTimeout: opTimeout, log: log}
}

// Reconcile records the transaction and credits the balance in one database
// transaction. Idempotency rests on the transaction_id primary key: the
// conditional insert reports zero affected rows for a replay, and in that
// case no credit is applied. A crash anywhere before Commit leaves neither
// the record nor the credit behind, so the provider's retry lands cleanly.
func (r *Reconciler) Reconcile(ctx context.Context, n Notification) (Outcome, error) {
	if err := n.Validate(); err != nil {
		return "", err
	}
	if r.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opTimeout)
		defer cancel()
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin reconcile: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ledger.EnsureAccountTx(ctx, tx, n.PrincipalID); err != nil {
		return "", err
	}
	ct, err := tx.Exec(ctx, `
		INSERT INTO payment_transactions (transaction_id, principal_id, credits_purchased, amount_minor_units, status, created_at)
		VALUES ($1, $2, $3, $4, 'completed', now())
		ON CONFLICT (transaction_id) DO NOTHING
	`, n.TransactionID, n.PrincipalID, n.CreditsPurchased, n.AmountMinorUnits)
	if err != nil {
		return "", fmt.Errorf("record transaction: %w", err)
	}
	if ct.RowsAffected() == 0 {
		r.log.Info("duplicate payment notification ignored", "transaction", n.TransactionID)
		return OutcomeAlreadyApplied, nil
	}
	if err := ledger.CreditTx(ctx, tx, n.PrincipalID, n.CreditsPurchased); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit reconcile: %w", err)
	}
	r.log.Info("payment applied",
		"transaction", n.TransactionID,
		"principal", n.PrincipalID,
		"credits", n.CreditsPurchased)
	return OutcomeApplied, nil
}
