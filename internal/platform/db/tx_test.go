package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
	commitErr  error
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return t.commitErr
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rolledBack = true
	return nil
}

type fakeBeginner struct {
	tx   *fakeTx
	opts pgx.TxOptions
	err  error
}

func (b *fakeBeginner) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	b.opts = opts
	if b.err != nil {
		return nil, b.err
	}
	return b.tx, nil
}

func TestWithTxCommits(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	require.NoError(t, WithTx(context.Background(), b, func(pgx.Tx) error { return nil }))
	require.True(t, b.tx.committed)
	require.Equal(t, pgx.RepeatableRead, b.opts.IsoLevel)
}

func TestWithTxRollsBack(t *testing.T) {
	boom := errors.New("boom")
	b := &fakeBeginner{tx: &fakeTx{}}
	require.ErrorIs(t, WithTx(context.Background(), b, func(pgx.Tx) error { return boom }), boom)
	require.False(t, b.tx.committed)
	require.True(t, b.tx.rolledBack)

	ctx, cancel := context.WithCancel(context.Background())
	b = &fakeBeginner{tx: &fakeTx{}}
	err := WithTx(ctx, b, func(pgx.Tx) error {
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, b.tx.committed)
	require.True(t, b.tx.rolledBack)

	b = &fakeBeginner{tx: &fakeTx{commitErr: pgx.ErrTxCommitRollback}}
	require.ErrorIs(t, WithTx(context.Background(), b, func(pgx.Tx) error { return nil }), pgx.ErrTxCommitRollback)

	b = &fakeBeginner{err: errors.New("pool closed")}
	require.ErrorContains(t, WithTx(context.Background(), b, func(pgx.Tx) error { return nil }), "begin tx")
}
