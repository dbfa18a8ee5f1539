package ledger

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

// fakeDB scripts row results per statement and records every context it was
// handed.
type fakeDB struct {
	consumeRows  []fakeRow
	consumeCalls int
	exists       bool
	deadlines    []bool
}

func (d *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	_, hasDeadline := ctx.Deadline()
	d.deadlines = append(d.deadlines, hasDeadline)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (d *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	_, hasDeadline := ctx.Deadline()
	d.deadlines = append(d.deadlines, hasDeadline)
	if strings.Contains(sql, "SELECT EXISTS") {
		exists := d.exists
		return fakeRow{scan: func(dest ...any) error {
			*(dest[0].(*bool)) = exists
			return nil
		}}
	}
	row := d.consumeRows[d.consumeCalls%len(d.consumeRows)]
	d.consumeCalls++
	return row
}

func consumeRow(freeAlreadyConsumed bool, balance int, totalScans int64) fakeRow {
	return fakeRow{scan: func(dest ...any) error {
		*(dest[0].(*bool)) = freeAlreadyConsumed
		*(dest[1].(*int)) = balance
		*(dest[2].(*int64)) = totalScans
		return nil
	}}
}

func errRow(err error) fakeRow {
	return fakeRow{scan: func(dest ...any) error { return err }}
}

func TestTryConsumeSpendsFreeScanFirst(t *testing.T) {
	db := &fakeDB{consumeRows: []fakeRow{consumeRow(false, 3, 1)}}
	res, err := NewRepository(db, time.Second).TryConsume(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, EntitlementFree, res.Used)
	require.Equal(t, 3, res.RemainingBalance)
}

func TestTryConsumeSpendsPaidCreditAfterFreeScan(t *testing.T) {
	db := &fakeDB{consumeRows: []fakeRow{consumeRow(true, 2, 5)}}
	res, err := NewRepository(db, time.Second).TryConsume(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, EntitlementCredit, res.Used)
	require.Equal(t, 2, res.RemainingBalance)
}

func TestTryConsumeRetriesOnceOnSerializationFailure(t *testing.T) {
	db := &fakeDB{consumeRows: []fakeRow{
		errRow(&pgconn.PgError{Code: "40001"}),
		consumeRow(true, 1, 2),
	}}
	res, err := NewRepository(db, time.Second).TryConsume(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, 2, db.consumeCalls)
	require.Equal(t, EntitlementCredit, res.Used)
}

func TestTryConsumeGivesUpAfterSecondConflict(t *testing.T) {
	db := &fakeDB{consumeRows: []fakeRow{errRow(&pgconn.PgError{Code: "40001"})}}
	_, err := NewRepository(db, time.Second).TryConsume(context.Background(), "p1")
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, 2, db.consumeCalls)
}

func TestTryConsumeClassifiesExhaustedAccount(t *testing.T) {
	db := &fakeDB{consumeRows: []fakeRow{errRow(pgx.ErrNoRows)}, exists: true}
	_, err := NewRepository(db, time.Second).TryConsume(context.Background(), "p1")
	require.ErrorIs(t, err, ErrNoEntitlement)
}

func TestTryConsumeClassifiesMissingAccount(t *testing.T) {
	db := &fakeDB{consumeRows: []fakeRow{errRow(pgx.ErrNoRows)}, exists: false}
	_, err := NewRepository(db, time.Second).TryConsume(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestGetReturnsNotFoundForMissingRow(t *testing.T) {
	db := &fakeDB{consumeRows: []fakeRow{errRow(pgx.ErrNoRows)}}
	_, err := NewRepository(db, time.Second).Get(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestRepositoryBoundsEveryStatement(t *testing.T) {
	db := &fakeDB{consumeRows: []fakeRow{consumeRow(false, 0, 1)}}
	repo := NewRepository(db, time.Second)

	require.NoError(t, repo.EnsureAccount(context.Background(), "p1"))
	_, err := repo.TryConsume(context.Background(), "p1")
	require.NoError(t, err)

	require.NotEmpty(t, db.deadlines)
	for _, hasDeadline := range db.deadlines {
		require.True(t, hasDeadline)
	}
}
