package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dropDatabas3/nodebus/internal/async"
	"github.com/dropDatabas3/nodebus/internal/cluster/event"
	"github.com/dropDatabas3/nodebus/internal/observability/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultWaitForeverCap acota isWait sin delayMax.
	DefaultWaitForeverCap = 10 * time.Minute
	// DefaultInterNodeMargin se suma a la espera remota por el ida y vuelta.
	DefaultInterNodeMargin = 2 * time.Second
)

// Requester es la parte del bus que usa el fallback entre nodos.
type Requester interface {
	PublishAndAwaitReply(ctx context.Context, ev event.Event, timeout time.Duration) (json.RawMessage, bool)
}

// Options configura el Resolver.
type Options struct {
	Store *async.Store
	// Bus nil = nodo standalone, sin fallback al cluster.
	Bus             Requester
	WaitForeverCap  time.Duration
	InterNodeMargin time.Duration
	Logger          *zap.Logger
}

// Resolver implementa getOrWait (local) y getOrWaitForResult (local + cluster).
type Resolver struct {
	store  *async.Store
	bus    Requester
	cap    time.Duration
	margin time.Duration
	log    *zap.Logger
	sf     singleflight.Group
}

// New arma el resolver.
func New(opts Options) *Resolver {
	if opts.WaitForeverCap <= 0 {
		opts.WaitForeverCap = DefaultWaitForeverCap
	}
	if opts.InterNodeMargin < 0 {
		opts.InterNodeMargin = 0
	}
	log := opts.Logger
	if log == nil {
		log = logger.L()
	}
	return &Resolver{
		store:  opts.Store,
		bus:    opts.Bus,
		cap:    opts.WaitForeverCap,
		margin: opts.InterNodeMargin,
		log:    log.With(logger.Component("resolve"), logger.NodeID(opts.Store.NodeID())),
	}
}

// Clustered indica si hay fallback entre nodos.
func (r *Resolver) Clustered() bool { return r.bus != nil }

// GetOrWait evalúa la consulta contra el store local, una sola vez:
//
//  1. completada: se consume según Keep y se devuelve
//  2. no existe: NotFound
//  3. pendiente: Cancel → Canceled; DelayMax → espera acotada o TimedOut;
//     Wait → espera hasta el techo; si no, InProgress
//
// Nunca consulta a otros nodos (lo usa el router al responder).
func (r *Resolver) GetOrWait(ctx context.Context, q Query) Outcome {
	if q.AsyncID == "" {
		return r.notFound()
	}
	res, ok := r.store.Get(q.AsyncID)
	if !ok {
		return r.notFound()
	}
	if res.Status.Terminal() {
		return r.terminal(res, q.Keep)
	}

	switch {
	case q.Cancel:
		got, err := r.store.Cancel(q.AsyncID)
		if errors.Is(err, async.ErrNotFound) {
			return r.notFound()
		}
		r.log.Info("operation canceled by request", logger.AsyncID(q.AsyncID))
		return r.terminal(got, q.Keep)

	case q.DelayMax != nil:
		d, _ := q.Delay()
		return r.wait(ctx, q, min(d, r.cap))

	case q.Wait:
		return r.wait(ctx, q, r.cap)
	}
	return Outcome{Status: StatusInProgress, NodeID: r.store.NodeID()}
}

func (r *Resolver) wait(ctx context.Context, q Query, d time.Duration) Outcome {
	wctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	res, err := r.store.Wait(wctx, q.AsyncID)
	switch {
	case errors.Is(err, async.ErrNotFound):
		return r.notFound()
	case err != nil:
		// venció la espera del llamador: el estado guardado no cambia
		return Outcome{Status: StatusTimedOut, NodeID: r.store.NodeID()}
	}
	return r.terminal(res, q.Keep)
}

// terminal traduce un PendingResult terminal a Outcome, consumiendo si corresponde.
func (r *Resolver) terminal(res async.PendingResult, keep bool) Outcome {
	out := Outcome{NodeID: r.store.NodeID()}
	switch res.Status {
	case async.StatusCanceled:
		out.Status = StatusCanceled
		return out
	case async.StatusTimedOut:
		out.Status = StatusTimedOut
		return out
	case async.StatusPending:
		out.Status = StatusInProgress
		return out
	}
	got, ok := r.store.Consume(res.OperationID, keep)
	if !ok {
		// otro llamador lo consumió primero
		return r.notFound()
	}
	out.Status = StatusResult
	out.Value = got.Value
	if got.Err != nil {
		out.Err = got.Err.Error()
	}
	return out
}

func (r *Resolver) notFound() Outcome { return Outcome{Status: StatusNotFound} }

// GetOrWaitForResult es la superficie pública: resuelve local y, si la
// operación no está acá y hay cluster, pregunta a los demás nodos. Solo las
// consultas keep sin cancel comparten request: un Result con keep=false
// llega a un único llamador.
func (r *Resolver) GetOrWaitForResult(ctx context.Context, q Query) Outcome {
	out := r.GetOrWait(ctx, q)
	if out.Found() || r.bus == nil || q.AsyncID == "" {
		return out
	}
	if !q.Keep || q.Cancel {
		return r.askCluster(context.WithoutCancel(ctx), q)
	}

	v, _, shared := r.sf.Do(q.key(), func() (any, error) {
		return r.askCluster(context.WithoutCancel(ctx), q), nil
	})
	if shared {
		r.log.Debug("cluster lookup shared", logger.AsyncID(q.AsyncID))
	}
	return v.(Outcome)
}

// remoteWait es lo que se le pide esperar al nodo dueño. Se descuenta el
// margen del techo para que la respuesta llegue antes de que venza el request.
func (r *Resolver) remoteWait(q Query) (time.Duration, bool) {
	ceiling := r.cap - r.margin
	if ceiling <= 0 {
		ceiling = r.cap
	}
	if d, ok := q.Delay(); ok {
		return min(d, ceiling), true
	}
	if q.Wait {
		return ceiling, true
	}
	return 0, false
}

func (r *Resolver) askCluster(ctx context.Context, q Query) Outcome {
	ev := event.New(event.KindFunctionExecution, event.ActionGetExecutionResult).
		WithInfo(event.InfoAsyncID, q.AsyncID).
		WithInfo(event.InfoIsCancel, q.Cancel).
		WithInfo(event.InfoIsKeep, q.Keep).
		WithInfo(event.InfoIsWait, q.Wait)

	bound := r.margin
	if d, ok := r.remoteWait(q); ok {
		ev = ev.WithInfo(event.InfoDelayMax, d.Milliseconds()).WithInfo(event.InfoDelayUnit, "ms")
		bound += d
	}

	log := r.log.With(logger.AsyncID(q.AsyncID), logger.Duration(bound))
	raw, ok := r.bus.PublishAndAwaitReply(ctx, ev, bound)
	if !ok {
		log.Debug("no node knows the operation")
		return r.notFound()
	}

	var out Outcome
	var wire struct {
		Status Status          `json:"status"`
		Value  json.RawMessage `json:"value"`
		Err    string          `json:"error"`
		NodeID string          `json:"nodeId"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		log.Error("undecodable execution result reply", logger.Err(err))
		return r.notFound()
	}
	out.Status, out.Err, out.NodeID = wire.Status, wire.Err, wire.NodeID
	if len(wire.Value) > 0 {
		out.Value = wire.Value
	}
	log.Debug("resolved by remote node", logger.SourceNode(out.NodeID), logger.String("status", out.Status.String()))
	return out
}

// QueryFromEvent arma la consulta desde el additionalInfo de un
// getExecutionResult.
func QueryFromEvent(ev event.Event) Query {
	q := Query{
		AsyncID:   ev.InfoString(event.InfoAsyncID),
		Cancel:    ev.InfoBool(event.InfoIsCancel),
		Keep:      ev.InfoBool(event.InfoIsKeep),
		Wait:      ev.InfoBool(event.InfoIsWait),
		DelayUnit: ev.InfoString(event.InfoDelayUnit),
	}
	if n, ok := ev.InfoInt64(event.InfoDelayMax); ok {
		q.DelayMax = &n
	}
	return q
}
