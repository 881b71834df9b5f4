// Package pgtx envuelve una transacción pgx con callbacks post-commit.
// El bus la usa (vía bus.CommitHooks) para que create/update se publiquen
// recién cuando la escritura es visible para los demás nodos.
package pgtx

import (
	"context"
	"errors"
	"sync"

	"github.com/dropDatabas3/nodebus/internal/observability/logger"
	"github.com/jackc/pgx/v5"
)

// ErrDone se devuelve al registrar un hook sobre una transacción terminada.
var ErrDone = errors.New("pgtx: transaction already finished")

// Beginner abre transacciones (pgxpool.Pool, pgx.Conn).
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Tx es una pgx.Tx con hooks OnCommit.
type Tx struct {
	pgx.Tx

	mu    sync.Mutex
	hooks []func()
	done  bool
}

// Begin abre una transacción.
func Begin(ctx context.Context, db Beginner) (*Tx, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &Tx{Tx: tx}, nil
}

// OnCommit registra fn para después de un commit exitoso. En rollback se
// descarta. Si la transacción ya terminó, fn no corre.
func (t *Tx) OnCommit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		logger.L().Warn("hook registered on finished transaction", logger.Component("pgtx"), logger.Err(ErrDone))
		return
	}
	t.hooks = append(t.hooks, fn)
}

// Commit confirma y, si salió bien, corre los hooks en orden de registro.
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.Tx.Commit(ctx); err != nil {
		t.finish()
		return err
	}
	for _, fn := range t.finish() {
		runHook(fn)
	}
	return nil
}

// Rollback descarta la transacción y sus hooks.
func (t *Tx) Rollback(ctx context.Context) error {
	t.finish()
	return t.Tx.Rollback(ctx)
}

func (t *Tx) finish() []func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	hooks := t.hooks
	t.hooks = nil
	t.done = true
	return hooks
}

func runHook(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.L().Error("post-commit hook panicked", logger.Component("pgtx"), logger.Any("panic", rec))
		}
	}()
	fn()
}

// WithTx corre fn en una transacción: commit si fn no falla, rollback si no.
func WithTx(ctx context.Context, db Beginner, fn func(tx *Tx) error) error {
	tx, err := Begin(ctx, db)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
