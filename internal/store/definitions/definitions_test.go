package definitions

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dropDatabas3/nodebus/internal/cache"
	"github.com/dropDatabas3/nodebus/internal/cluster/bus"
	"github.com/dropDatabas3/nodebus/internal/cluster/event"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *bool:
			*p = r.vals[i].(bool)
		case *[]byte:
			*p = r.vals[i].([]byte)
		}
	}
	return nil
}

type fakeDB struct {
	mu      sync.Mutex
	rows    map[string][]byte
	execs   []string
	failTx  error
	commits int
}

func newFakeDB() *fakeDB { return &fakeDB{rows: make(map[string][]byte)} }

func rowKey(args []any) string { return args[0].(string) + "/" + args[1].(string) }

func (d *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	return &fakeTx{db: d, staged: make(map[string][]byte), deleted: make(map[string]bool)}, nil
}

func (d *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execs = append(d.execs, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (d *fakeDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.rows[rowKey(args)]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{vals: []any{b}}
}

// fakeTx aplica las escrituras en el commit.
type fakeTx struct {
	pgx.Tx
	db      *fakeDB
	staged  map[string][]byte
	deleted map[string]bool
	done    bool
}

func (t *fakeTx) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	if t.db.failTx != nil {
		return fakeRow{err: t.db.failTx}
	}
	k := rowKey(args)
	t.db.mu.Lock()
	_, exists := t.db.rows[k]
	t.db.mu.Unlock()
	t.staged[k] = args[2].([]byte)
	return fakeRow{vals: []any{!exists}}
}

func (t *fakeTx) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	k := rowKey(args)
	t.db.mu.Lock()
	_, exists := t.db.rows[k]
	t.db.mu.Unlock()
	if !exists {
		return pgconn.NewCommandTag("DELETE 0"), nil
	}
	t.deleted[k] = true
	return pgconn.NewCommandTag("DELETE 1"), nil
}

func (t *fakeTx) Commit(context.Context) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	for k, v := range t.staged {
		t.db.rows[k] = v
	}
	for k := range t.deleted {
		delete(t.db.rows, k)
	}
	t.db.commits++
	t.done = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	return nil
}

// fakePublisher respeta la política de la acción como el bus real.
type fakePublisher struct {
	mu        sync.Mutex
	published []event.Event
}

func (p *fakePublisher) PublishTx(_ context.Context, hooks bus.CommitHooks, ev event.Event) {
	record := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.published = append(p.published, ev)
	}
	if event.PolicyFor(ev.Action, 0).Tx == event.TxRequired && hooks != nil {
		hooks.OnCommit(record)
		return
	}
	record()
}

func (p *fakePublisher) events() []event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]event.Event(nil), p.published...)
}

func TestSave_CreateThenUpdate(t *testing.T) {
	db, pub := newFakeDB(), &fakePublisher{}
	r := New(db, pub)
	ctx := context.Background()

	created, err := r.Save(ctx, event.KindScript, "greet", []byte(`{"v":1}`))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = r.Save(ctx, event.KindScript, "greet", []byte(`{"v":2}`))
	require.NoError(t, err)
	assert.False(t, created)

	got, err := r.Get(ctx, event.KindScript, "greet")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(got))

	evs := pub.events()
	require.Len(t, evs, 2)
	assert.Equal(t, event.ActionCreate, evs[0].Action)
	assert.Equal(t, event.ActionUpdate, evs[1].Action)
	assert.Equal(t, "greet", evs[1].Subject())
	assert.Equal(t, event.KindScript, evs[1].Kind)
}

func TestSave_FailureNeverPublishes(t *testing.T) {
	db, pub := newFakeDB(), &fakePublisher{}
	db.failTx = errors.New("unique violation")
	r := New(db, pub)

	_, err := r.Save(context.Background(), event.KindEndpoint, "e1", []byte(`{}`))
	require.Error(t, err)
	assert.Empty(t, pub.events())
	assert.Zero(t, db.commits)
}

func TestDelete(t *testing.T) {
	db, pub := newFakeDB(), &fakePublisher{}
	r := New(db, pub)
	ctx := context.Background()

	require.ErrorIs(t, r.Delete(ctx, event.KindEndpoint, "missing"), ErrNotFound)

	_, err := r.Save(ctx, event.KindEndpoint, "e1", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, event.KindEndpoint, "e1"))

	_, err = r.Get(ctx, event.KindEndpoint, "e1")
	require.ErrorIs(t, err, ErrNotFound)

	evs := pub.events()
	require.Len(t, evs, 2)
	assert.Equal(t, event.ActionRemove, evs[1].Action)
}

func TestValidation(t *testing.T) {
	r := New(newFakeDB(), nil)
	_, err := r.Save(context.Background(), event.KindJob, "j", []byte(`{}`))
	require.ErrorIs(t, err, ErrUnknownKind)
	_, err = r.Save(context.Background(), event.KindScript, "", []byte(`{}`))
	require.ErrorIs(t, err, ErrEmptyCode)
}

func TestLoaderFeedsEntityCache(t *testing.T) {
	db := newFakeDB()
	r := New(db, nil)
	ctx := context.Background()
	_, err := r.Save(ctx, event.KindCustomFieldTemplate, "cft", []byte(`{"a":1}`))
	require.NoError(t, err)

	ents := cache.NewEntities("cft", cache.NewMemory("t", 0), r.Loader(event.KindCustomFieldTemplate), 0)
	got, err := ents.Get(ctx, "cft")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got))

	require.NoError(t, r.Delete(ctx, event.KindCustomFieldTemplate, "cft"))
	require.NoError(t, ents.Refresh(ctx, "cft"))
	_, err = ents.Get(ctx, "cft")
	require.ErrorIs(t, err, cache.ErrNotFound)
}

func TestEnsureSchema(t *testing.T) {
	db := newFakeDB()
	require.NoError(t, New(db, nil).EnsureSchema(context.Background()))
	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0], "entity_definitions")
}
