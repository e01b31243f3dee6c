package sqlite_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blureserve/seat-engine/reserve"
	"github.com/blureserve/seat-engine/store"
	"github.com/blureserve/seat-engine/store/sqlite"
	"github.com/blureserve/seat-engine/store/storetest"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend { return newStore(t) })
}

func TestFilePersistence(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/blureserve.db"

	s, err := sqlite.New(path)
	require.NoError(t, err)
	storetest.Seed(t, s, 30)
	require.NoError(t, s.Close())

	reopened, err := sqlite.New(path)
	require.NoError(t, err)
	defer reopened.Close()

	b, err := reopened.Balance(ctx, "mgr-1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), b.Int64(), "schema migration is idempotent and data survives")
}

func TestSchemaRejectsNegativeBalance(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	storetest.Seed(t, s, 3)

	scope := reserve.Scope{Employee: "emp-1", Manager: "mgr-1", Seat: "seat-1"}
	err := s.WithTx(ctx, scope, func(tx reserve.Tx) error {
		_, err := tx.Debit(ctx, "mgr-1", reserve.BluDollars(5))
		return err
	})
	assert.ErrorIs(t, err, reserve.ErrInsufficientFunds)

	b, err := s.Balance(ctx, "mgr-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), b.Int64())
}

func TestPing(t *testing.T) {
	assert.NoError(t, newStore(t).Ping(context.Background()))
}
