package pgtx

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTx implementa solo Commit/Rollback; el resto de pgx.Tx no se usa.
type fakeTx struct {
	pgx.Tx
	commitErr  error
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Commit(context.Context) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if f.committed {
		return pgx.ErrTxClosed
	}
	f.rolledBack = true
	return nil
}

type fakeDB struct{ tx *fakeTx }

func (d *fakeDB) Begin(context.Context) (pgx.Tx, error) { return d.tx, nil }

func TestWithTx_HooksRunAfterCommit(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{}}
	var order []string

	err := WithTx(context.Background(), db, func(tx *Tx) error {
		tx.OnCommit(func() { order = append(order, "first") })
		tx.OnCommit(func() { order = append(order, "second") })
		assert.Empty(t, order)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, db.tx.committed)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestWithTx_ErrorRollsBackAndDropsHooks(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{}}
	ran := false
	boom := errors.New("boom")

	err := WithTx(context.Background(), db, func(tx *Tx) error {
		tx.OnCommit(func() { ran = true })
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.True(t, db.tx.rolledBack)
	assert.False(t, ran)
}

func TestCommitFailureDropsHooks(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{commitErr: errors.New("serialization failure")}}
	tx, err := Begin(context.Background(), db)
	require.NoError(t, err)

	ran := false
	tx.OnCommit(func() { ran = true })
	require.Error(t, tx.Commit(context.Background()))
	assert.False(t, ran)

	// registrar sobre una transacción terminada no hace nada
	tx.OnCommit(func() { ran = true })
	assert.False(t, ran)
}

func TestHookPanicDoesNotBreakCommit(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{}}
	tx, err := Begin(context.Background(), db)
	require.NoError(t, err)

	ran := false
	tx.OnCommit(func() { panic("bad hook") })
	tx.OnCommit(func() { ran = true })
	require.NoError(t, tx.Commit(context.Background()))
	assert.True(t, ran)
}
