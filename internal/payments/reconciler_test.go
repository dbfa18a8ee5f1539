package payments

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

// fakeTx scripts the three statements Reconcile issues. The embedded pgx.Tx
// is never called; anything outside Exec/Commit/Rollback panics.
type fakeTx struct {
	pgx.Tx
	db         *fakeLedgerDB
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	switch {
	case strings.Contains(sql, "INSERT INTO payment_transactions"):
		txID := args[0].(string)
		if t.db.recorded[txID] {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		}
		t.db.recorded[txID] = true
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(sql, "INSERT INTO credit_accounts"):
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(sql, "UPDATE credit_accounts"):
		if t.db.creditErr != nil {
			return pgconn.CommandTag{}, t.db.creditErr
		}
		t.db.credited += args[1].(int)
		return pgconn.NewCommandTag("UPDATE 1"), nil
	default:
		return pgconn.CommandTag{}, errors.New("unexpected statement: " + sql)
	}
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

// fakeLedgerDB stands in for the pool: the unique transaction_id behavior of
// the payment_transactions table, kept across transactions.
type fakeLedgerDB struct {
	recorded  map[string]bool
	credited  int
	creditErr error
	txs       []*fakeTx
	deadlines []bool
}

func newFakeLedgerDB() *fakeLedgerDB {
	return &fakeLedgerDB{recorded: map[string]bool{}}
}

func (d *fakeLedgerDB) Begin(ctx context.Context) (pgx.Tx, error) {
	_, hasDeadline := ctx.Deadline()
	d.deadlines = append(d.deadlines, hasDeadline)
	tx := &fakeTx{db: d}
	d.txs = append(d.txs, tx)
	return tx, nil
}

func notification() Notification {
	return Notification{
		TransactionID:    "tx_1",
		PrincipalID:      "p1",
		CreditsPurchased: 5,
		AmountMinorUnits: 999,
	}
}

func TestReconcileDuplicateDeliveryCreditsOnce(t *testing.T) {
	db := newFakeLedgerDB()
	r := NewReconciler(db, time.Second, slog.Default())

	first, err := r.Reconcile(context.Background(), notification())
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, first)
	require.Equal(t, 5, db.credited)
	require.True(t, db.txs[0].committed)

	second, err := r.Reconcile(context.Background(), notification())
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyApplied, second)
	// Still exactly one increment; the replay transaction never commits.
	require.Equal(t, 5, db.credited)
	require.False(t, db.txs[1].committed)
	require.True(t, db.txs[1].rolledBack)
}

func TestReconcileRollsBackWhenCreditFails(t *testing.T) {
	db := newFakeLedgerDB()
	db.creditErr = errors.New("connection reset")
	r := NewReconciler(db, time.Second, slog.Default())

	_, err := r.Reconcile(context.Background(), notification())
	require.Error(t, err)
	require.Zero(t, db.credited)
	require.False(t, db.txs[0].committed)
	require.True(t, db.txs[0].rolledBack)
}

func TestReconcileRejectsInvalidPayloadBeforeTransaction(t *testing.T) {
	db := newFakeLedgerDB()
	r := NewReconciler(db, time.Second, slog.Default())

	n := notification()
	n.CreditsPurchased = 0
	_, err := r.Reconcile(context.Background(), n)
	require.ErrorIs(t, err, ErrMalformedNotification)
	require.Empty(t, db.txs)
}

func TestReconcileBoundsTransactionContext(t *testing.T) {
	db := newFakeLedgerDB()
	r := NewReconciler(db, time.Second, slog.Default())

	_, err := r.Reconcile(context.Background(), notification())
	require.NoError(t, err)
	require.Equal(t, []bool{true}, db.deadlines)
}

func TestNotificationValidate(t *testing.T) {
	valid := notification()
	require.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*Notification)
	}{
		{"missing transaction id", func(n *Notification) { n.TransactionID = "" }},
		{"missing principal", func(n *Notification) { n.PrincipalID = "" }},
		{"zero credits", func(n *Notification) { n.CreditsPurchased = 0 }},
		{"negative credits", func(n *Notification) { n.CreditsPurchased = -3 }},
		{"negative amount", func(n *Notification) { n.AmountMinorUnits = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := valid
			tc.mutate(&n)
			require.ErrorIs(t, n.Validate(), ErrMalformedNotification)
		})
	}
}
