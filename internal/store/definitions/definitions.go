// Package definitions guarda en Postgres las definiciones de scripts,
// templates y endpoints que los nodos cachean. Cada escritura publica el
// evento de cache correspondiente, diferido al commit.
package definitions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dropDatabas3/nodebus/internal/cache"
	"github.com/dropDatabas3/nodebus/internal/cluster/bus"
	"github.com/dropDatabas3/nodebus/internal/cluster/event"
	"github.com/dropDatabas3/nodebus/internal/observability/logger"
	"github.com/dropDatabas3/nodebus/internal/store/pgtx"
	migrations "github.com/dropDatabas3/nodebus/migrations/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound    = errors.New("definitions: not found")
	ErrUnknownKind = errors.New("definitions: unknown kind")
	ErrEmptyCode   = errors.New("definitions: code is required")
)

// Kinds son los tipos de entidad con definición persistida.
var Kinds = []event.Kind{
	event.KindScript,
	event.KindCustomFieldTemplate,
	event.KindCustomEntityTemplate,
	event.KindEndpoint,
}

// KnownKind indica si k tiene definición persistida.
func KnownKind(k event.Kind) bool {
	for _, kk := range Kinds {
		if kk == k {
			return true
		}
	}
	return false
}

const (
	getSQL    = `SELECT body FROM entity_definitions WHERE kind = $1 AND code = $2`
	upsertSQL = `
INSERT INTO entity_definitions (kind, code, body, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (kind, code) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at
RETURNING (xmax = 0)`
	deleteSQL = `DELETE FROM entity_definitions WHERE kind = $1 AND code = $2`
)

// DB es lo que usa el repo del pool (pgxpool.Pool lo cumple).
type DB interface {
	pgtx.Beginner
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Publisher difunde los cambios (bus.Bus lo cumple). nil = no publica.
type Publisher interface {
	PublishTx(ctx context.Context, hooks bus.CommitHooks, ev event.Event)
}

// Repo es el repositorio de definiciones.
type Repo struct {
	db  DB
	pub Publisher
	now func() time.Time
}

// New arma el repo.
func New(db DB, pub Publisher) *Repo {
	return &Repo{db: db, pub: pub, now: time.Now}
}

// EnsureSchema aplica las migraciones embebidas (todas idempotentes).
func (r *Repo) EnsureSchema(ctx context.Context) error {
	files, err := migrations.Files()
	if err != nil {
		return err
	}
	for _, name := range files {
		b, err := migrations.FS.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := r.db.Exec(ctx, string(b)); err != nil {
			return fmt.Errorf("definitions: migration %s: %w", name, err)
		}
	}
	return nil
}

// Get lee la definición vigente.
func (r *Repo) Get(ctx context.Context, kind event.Kind, code string) ([]byte, error) {
	var body []byte
	err := r.db.QueryRow(ctx, getSQL, string(kind), code).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, kind, code)
	}
	if err != nil {
		return nil, fmt.Errorf("definitions: get %s %s: %w", kind, code, err)
	}
	return body, nil
}

// Loader adapta Get a cache.Loader: "no existe" se traduce a cache.ErrNotFound
// para que Refresh desaloje la entrada.
func (r *Repo) Loader(kind event.Kind) cache.Loader {
	return func(ctx context.Context, key string) ([]byte, error) {
		b, err := r.Get(ctx, kind, key)
		if errors.Is(err, ErrNotFound) {
			return nil, cache.ErrNotFound
		}
		return b, err
	}
}

// Save inserta o reemplaza la definición y publica create/update al commit.
func (r *Repo) Save(ctx context.Context, kind event.Kind, code string, body []byte) (created bool, err error) {
	if err := check(kind, code); err != nil {
		return false, err
	}
	err = pgtx.WithTx(ctx, r.db, func(tx *pgtx.Tx) error {
		if err := tx.QueryRow(ctx, upsertSQL, string(kind), code, body, r.now().UTC()).Scan(&created); err != nil {
			return fmt.Errorf("definitions: save %s %s: %w", kind, code, err)
		}
		action := event.ActionUpdate
		if created {
			action = event.ActionCreate
		}
		r.publish(ctx, tx, event.New(kind, action).WithEntityCode(code))
		return nil
	})
	return created, err
}

// Delete borra la definición y publica remove.
func (r *Repo) Delete(ctx context.Context, kind event.Kind, code string) error {
	if err := check(kind, code); err != nil {
		return err
	}
	return pgtx.WithTx(ctx, r.db, func(tx *pgtx.Tx) error {
		tag, err := tx.Exec(ctx, deleteSQL, string(kind), code)
		if err != nil {
			return fmt.Errorf("definitions: delete %s %s: %w", kind, code, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s %s", ErrNotFound, kind, code)
		}
		r.publish(ctx, tx, event.New(kind, event.ActionRemove).WithEntityCode(code))
		return nil
	})
}

func (r *Repo) publish(ctx context.Context, tx *pgtx.Tx, ev event.Event) {
	if r.pub == nil {
		return
	}
	logger.From(ctx).Debug("definition change queued",
		logger.Component("definitions"),
		logger.EventKind(string(ev.Kind)),
		logger.Action(string(ev.Action)),
		logger.Key(ev.Subject()),
	)
	r.pub.PublishTx(ctx, tx, ev)
}

func check(kind event.Kind, code string) error {
	if !KnownKind(kind) {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if code == "" {
		return ErrEmptyCode
	}
	return nil
}
