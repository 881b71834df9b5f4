package router

import (
	"context"
	"strconv"

	"github.com/dropDatabas3/nodebus/internal/cluster/event"
	"github.com/dropDatabas3/nodebus/internal/resolve"
)

// Target es la entidad a la que apunta un evento.
type Target struct {
	ID         *int64
	Code       string
	Launcher   string
	SourceNode string
	User       string
	Tenant     string
	Info       map[string]any
}

// Key es el código, o el id como texto si no hay código.
func (t Target) Key() string {
	if t.Code != "" {
		return t.Code
	}
	if t.ID != nil {
		return strconv.FormatInt(*t.ID, 10)
	}
	return ""
}

// TargetOf extrae el Target del evento.
func TargetOf(ev event.Event) Target {
	t := Target{
		ID:         ev.EntityID,
		Launcher:   ev.InfoString(event.InfoLauncher),
		SourceNode: ev.SourceNodeID,
		User:       ev.ActingUser,
		Tenant:     ev.ActingTenant,
		Info:       ev.Info,
	}
	if ev.EntityCode != nil {
		t.Code = *ev.EntityCode
	}
	return t
}

// EntityCache es un cache de definiciones (scripts, templates, endpoints)
// que el nodo mantiene al día con los eventos del cluster.
type EntityCache interface {
	Invalidate(ctx context.Context, key string) error
	Refresh(ctx context.Context, key string) error
}

// JobRunner controla los jobs locales.
type JobRunner interface {
	// Execute arranca el job; worker=true para executeWorker.
	Execute(ctx context.Context, t Target, worker bool) (any, error)
	Stop(ctx context.Context, t Target, force bool) error
	// ReleaseData libera lo retenido hasta el último mensaje de datos.
	ReleaseData(ctx context.Context, t Target) error
	// ReleaseCompletion libera a quien espera el fin de la ejecución.
	ReleaseCompletion(ctx context.Context, t Target) error
}

// EntityExecutor ejecuta scripts y funciones por pedido de otro nodo.
type EntityExecutor interface {
	Execute(ctx context.Context, kind event.Kind, t Target) (any, error)
}

// ResultLookup es la parte local del protocolo de resolución.
type ResultLookup interface {
	GetOrWait(ctx context.Context, q resolve.Query) resolve.Outcome
}

// ResultClearer borra los resultados terminales del nodo.
type ResultClearer interface {
	Clear() int
}

// Replier responde a eventos request/reply.
type Replier interface {
	Reply(ctx context.Context, ev event.Event, value any)
}

// Deps son los colaboradores inyectados. Los nil no registran rutas.
type Deps struct {
	Scripts         EntityCache
	FieldTemplates  EntityCache
	EntityTemplates EntityCache
	Endpoints       EntityCache
	Jobs            JobRunner
	Executor        EntityExecutor
	Results         ResultLookup
	Store           ResultClearer
	Bus             Replier
}

var cacheActions = []event.Action{event.ActionCreate, event.ActionUpdate, event.ActionRemove}

func (d Deps) routes() []Route {
	var rs []Route

	if d.Scripts != nil {
		for _, a := range cacheActions {
			rs = append(rs, Route{Kind: event.KindScript, Action: a, Name: "script.invalidate", Handle: d.invalidate(d.Scripts)})
		}
	}
	for kind, c := range map[event.Kind]EntityCache{
		event.KindCustomFieldTemplate:  d.FieldTemplates,
		event.KindCustomEntityTemplate: d.EntityTemplates,
		event.KindEndpoint:             d.Endpoints,
	} {
		if c == nil {
			continue
		}
		rs = append(rs,
			Route{Kind: kind, Action: event.ActionCreate, Name: string(kind) + ".refresh", Handle: d.refresh(c)},
			Route{Kind: kind, Action: event.ActionUpdate, Name: string(kind) + ".refresh", Handle: d.refresh(c)},
			Route{Kind: kind, Action: event.ActionRemove, Name: string(kind) + ".evict", Handle: d.invalidate(c)},
		)
	}

	if d.Jobs != nil {
		rs = append(rs,
			Route{Kind: event.KindJob, Action: event.ActionExecute, Name: "job.execute", Async: true, Handle: d.jobExecute(false)},
			Route{Kind: event.KindJob, Action: event.ActionExecuteWorker, Name: "job.executeWorker", Async: true, Handle: d.jobExecute(true)},
			Route{Kind: event.KindJob, Action: event.ActionStop, Name: "job.stop", Handle: d.jobStop(false)},
			Route{Kind: event.KindJob, Action: event.ActionStopByForce, Name: "job.stopByForce", Handle: d.jobStop(true)},
			Route{Kind: event.KindJob, Action: event.ActionLastDataMessageReceived, Name: "job.releaseData", Handle: func(ctx context.Context, ev event.Event) error {
				return d.Jobs.ReleaseData(ctx, TargetOf(ev))
			}},
			Route{Kind: event.KindJob, Action: event.ActionJobExecutionCompleted, Name: "job.releaseCompletion", Handle: func(ctx context.Context, ev event.Event) error {
				return d.Jobs.ReleaseCompletion(ctx, TargetOf(ev))
			}},
		)
	}

	if d.Executor != nil {
		for _, kind := range []event.Kind{event.KindScript, event.KindFunctionExecution} {
			rs = append(rs,
				Route{Kind: kind, Action: event.ActionExecute, Name: string(kind) + ".execute", Async: true, Handle: d.execute},
				Route{Kind: kind, Action: event.ActionExecuteWorker, Name: string(kind) + ".executeWorker", Async: true, Handle: d.execute},
			)
		}
	}

	if d.Results != nil {
		rs = append(rs, Route{Kind: AnyKind, Action: event.ActionGetExecutionResult, Name: "result.lookup", Async: true, Parks: lookupWaits, Handle: d.lookup})
	}
	if d.Store != nil {
		rs = append(rs, Route{Kind: event.KindResultCache, Action: event.ActionClearCache, Name: "result.clear", Handle: func(context.Context, event.Event) error {
			d.Store.Clear()
			return nil
		}})
	}
	return rs
}

func (d Deps) invalidate(c EntityCache) HandlerFunc {
	return func(ctx context.Context, ev event.Event) error {
		key := TargetOf(ev).Key()
		if key == "" {
			return ErrNoSubject
		}
		return c.Invalidate(ctx, key)
	}
}

func (d Deps) refresh(c EntityCache) HandlerFunc {
	return func(ctx context.Context, ev event.Event) error {
		key := TargetOf(ev).Key()
		if key == "" {
			return ErrNoSubject
		}
		return c.Refresh(ctx, key)
	}
}

func (d Deps) jobExecute(worker bool) HandlerFunc {
	return func(ctx context.Context, ev event.Event) error {
		v, err := d.Jobs.Execute(ctx, TargetOf(ev), worker)
		d.reply(ctx, ev, v, err)
		return err
	}
}

func (d Deps) jobStop(force bool) HandlerFunc {
	return func(ctx context.Context, ev event.Event) error {
		return d.Jobs.Stop(ctx, TargetOf(ev), force)
	}
}

func (d Deps) execute(ctx context.Context, ev event.Event) error {
	t := TargetOf(ev)
	if t.Key() == "" {
		d.reply(ctx, ev, nil, ErrNoSubject)
		return ErrNoSubject
	}
	v, err := d.Executor.Execute(ctx, ev.Kind, t)
	d.reply(ctx, ev, v, err)
	return err
}

// reply responde solo si el emisor lo pidió. Un error viaja como null para
// que el emisor lo trate como "sin respuesta".
func (d Deps) reply(ctx context.Context, ev event.Event, v any, err error) {
	if d.Bus == nil || !ev.WantsReply() {
		return
	}
	if err != nil {
		v = nil
	}
	d.Bus.Reply(ctx, ev, v)
}

// lookupWaits: una consulta con isWait o delayMax puede quedar esperando en
// el nodo dueño; las demás se responden enseguida.
func lookupWaits(ev event.Event) bool {
	q := resolve.QueryFromEvent(ev)
	return !q.Cancel && (q.Wait || q.DelayMax != nil)
}

func (d Deps) lookup(ctx context.Context, ev event.Event) error {
	out := d.Results.GetOrWait(ctx, resolve.QueryFromEvent(ev))
	if !out.Found() {
		d.reply(ctx, ev, nil, nil)
		return nil
	}
	d.reply(ctx, ev, out, nil)
	return nil
}
