package admission

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clarimed/billscan/internal/ledger"
)

type fakeStore struct {
	res   *ledger.ConsumeResult
	err   error
	calls int
}

func (f *fakeStore) TryConsume(ctx context.Context, principalID string) (*ledger.ConsumeResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

func newController(store *fakeStore) *Controller {
	return NewController(store, slog.Default())
}

func TestTryConsumeGrantsFreeScan(t *testing.T) {
	store := &fakeStore{res: &ledger.ConsumeResult{Used: ledger.EntitlementFree, RemainingBalance: 0}}
	d, err := newController(store).TryConsume(context.Background(), "p1")
	require.NoError(t, err)
	require.True(t, d.Granted)
	require.Equal(t, ledger.EntitlementFree, d.Used)
	require.Equal(t, 0, d.RemainingBalance)
}

func TestTryConsumeGrantsPaidCredit(t *testing.T) {
	store := &fakeStore{res: &ledger.ConsumeResult{Used: ledger.EntitlementCredit, RemainingBalance: 4}}
	d, err := newController(store).TryConsume(context.Background(), "p1")
	require.NoError(t, err)
	require.True(t, d.Granted)
	require.Equal(t, ledger.EntitlementCredit, d.Used)
	require.Equal(t, 4, d.RemainingBalance)
}

func TestTryConsumeDeniesExhaustedAccount(t *testing.T) {
	store := &fakeStore{err: ledger.ErrNoEntitlement}
	d, err := newController(store).TryConsume(context.Background(), "p1")
	require.NoError(t, err)
	require.False(t, d.Granted)
	require.Equal(t, ReasonNoEntitlement, d.Reason)
}

func TestTryConsumeDeniesUnknownPrincipal(t *testing.T) {
	store := &fakeStore{err: ledger.ErrAccountNotFound}
	d, err := newController(store).TryConsume(context.Background(), "ghost")
	require.NoError(t, err)
	require.False(t, d.Granted)
	require.Equal(t, ReasonNotAuthenticated, d.Reason)
}

func TestTryConsumeEmptyPrincipalSkipsLedger(t *testing.T) {
	store := &fakeStore{}
	d, err := newController(store).TryConsume(context.Background(), "")
	require.NoError(t, err)
	require.False(t, d.Granted)
	require.Equal(t, ReasonNotAuthenticated, d.Reason)
	require.Zero(t, store.calls)
}

func TestTryConsumePropagatesStorageErrors(t *testing.T) {
	boom := errors.New("connection reset")
	store := &fakeStore{err: boom}
	_, err := newController(store).TryConsume(context.Background(), "p1")
	require.ErrorIs(t, err, boom)
}
