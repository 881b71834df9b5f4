// Package tasks tiene las implementaciones locales de lo que el router y la
// API disparan: el registro de funciones ejecutables, el lanzador de
// ejecuciones asíncronas y el runner de jobs.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dropDatabas3/nodebus/internal/async"
	"github.com/dropDatabas3/nodebus/internal/cluster/event"
	"github.com/dropDatabas3/nodebus/internal/cluster/router"
)

// ErrUnknownFunction se devuelve al ejecutar un código no registrado.
var ErrUnknownFunction = errors.New("tasks: unknown function")

// Func es una función ejecutable por código.
type Func func(ctx context.Context, t router.Target) (any, error)

// Registry mapea códigos a funciones. Implementa router.EntityExecutor.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

var _ router.EntityExecutor = (*Registry)(nil)

// NewRegistry crea un registro vacío.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register agrega (o reemplaza) la función code.
func (r *Registry) Register(code string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[code] = fn
}

// Has indica si code está registrado.
func (r *Registry) Has(code string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.funcs[code]
	return ok
}

// Codes lista los códigos registrados, ordenados.
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.funcs))
	for c := range r.funcs {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Execute corre la función del target.
func (r *Registry) Execute(ctx context.Context, _ event.Kind, t router.Target) (any, error) {
	r.mu.RLock()
	fn, ok := r.funcs[t.Key()]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, t.Key())
	}
	return fn(ctx, t)
}

// Builtins registra las funciones de diagnóstico del nodo:
//   - echo: devuelve el payload recibido
//   - sleep: espera payload["ms"] milisegundos (cancelable)
func Builtins(r *Registry, nodeID string) {
	r.Register("echo", func(_ context.Context, t router.Target) (any, error) {
		return map[string]any{"node": nodeID, "payload": t.Info}, nil
	})
	r.Register("sleep", func(ctx context.Context, t router.Target) (any, error) {
		ms := int64(100)
		if v, ok := (event.Event{Info: t.Info}).InfoInt64("ms"); ok {
			ms = v
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return map[string]any{"node": nodeID, "sleptMs": ms}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

// Launcher arranca ejecuciones asíncronas sobre el Executor.
type Launcher struct {
	exec     *async.Executor
	entities router.EntityExecutor
}

// NewLauncher arma el lanzador.
func NewLauncher(exec *async.Executor, entities router.EntityExecutor) *Launcher {
	return &Launcher{exec: exec, entities: entities}
}

// Launch registra la ejecución y devuelve su OperationId sin esperar.
func (l *Launcher) Launch(_ context.Context, kind event.Kind, t router.Target, timeout time.Duration) (string, error) {
	return l.exec.Start(func(ctx context.Context) (any, error) {
		return l.entities.Execute(ctx, kind, t)
	}, async.Metadata{
		Kind:     string(kind),
		Subject:  t.Key(),
		Launcher: t.Launcher,
		Timeout:  timeout,
	})
}
