// Package router despacha cada ClusterEvent entrante a su handler según
// (kind, action). La tabla se arma una vez al arrancar; no hay búsqueda
// dinámica por nombre en cada evento.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dropDatabas3/nodebus/internal/cluster/event"
	"github.com/dropDatabas3/nodebus/internal/metrics"
	"github.com/dropDatabas3/nodebus/internal/observability/logger"
	"go.uber.org/zap"
)

// AnyKind matchea cualquier className.
const AnyKind event.Kind = "*"

// DefaultWorkers acota los handlers asíncronos en vuelo.
const DefaultWorkers = 16

// DefaultParkedWorkers acota los handlers que esperan una operación en curso.
const DefaultParkedWorkers = 1024

// ErrNoSubject se devuelve cuando el evento no trae id ni código de entidad.
var ErrNoSubject = errors.New("router: event has no entity id or code")

// HandlerFunc procesa un evento. Un error se loguea con el contexto del
// evento y no corta el procesamiento de los siguientes.
type HandlerFunc func(ctx context.Context, ev event.Event) error

// Route es una entrada de la tabla.
type Route struct {
	Kind   event.Kind
	Action event.Action
	Name   string
	// Async corre el handler en el pool de workers (no bloquea el dispatch).
	Async bool
	// Parks indica que el handler va a quedar esperando (acotado por el
	// delay del pedido). Esos eventos corren en su propio carril y no ocupan
	// los workers del resto.
	Parks  func(ev event.Event) bool
	Handle HandlerFunc
}

type routeKey struct {
	kind   event.Kind
	action event.Action
}

// Options configura el Router.
type Options struct {
	NodeID        string
	Workers       int
	ParkedWorkers int
	Logger        *zap.Logger
}

// Router es el NodeEventRouter del nodo.
type Router struct {
	nodeID string
	log    *zap.Logger
	routes map[routeKey]Route

	slots  chan struct{}
	parked chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New arma el router con las rutas de deps (las dependencias nil no
// registran rutas) más las extra.
func New(opts Options, deps Deps, extra ...Route) (*Router, error) {
	if opts.NodeID == "" {
		return nil, errors.New("router: node id is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.ParkedWorkers <= 0 {
		opts.ParkedWorkers = DefaultParkedWorkers
	}
	log := opts.Logger
	if log == nil {
		log = logger.L()
	}
	r := &Router{
		nodeID: opts.NodeID,
		log:    log.With(logger.Component("router"), logger.NodeID(opts.NodeID)),
		routes: make(map[routeKey]Route),
		slots:  make(chan struct{}, opts.Workers),
		parked: make(chan struct{}, opts.ParkedWorkers),
	}
	for _, rt := range append(deps.routes(), extra...) {
		if err := r.add(rt); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Router) add(rt Route) error {
	if rt.Handle == nil {
		return fmt.Errorf("router: route %s/%s has no handler", rt.Kind, rt.Action)
	}
	k := routeKey{rt.Kind, rt.Action}
	if _, dup := r.routes[k]; dup {
		return fmt.Errorf("router: duplicate route %s/%s", rt.Kind, rt.Action)
	}
	if rt.Name == "" {
		rt.Name = fmt.Sprintf("%s.%s", rt.Kind, rt.Action)
	}
	r.routes[k] = rt
	return nil
}

// Lookup devuelve la ruta para (kind, action); una ruta exacta gana sobre AnyKind.
func (r *Router) Lookup(kind event.Kind, action event.Action) (Route, bool) {
	if rt, ok := r.routes[routeKey{kind, action}]; ok {
		return rt, true
	}
	rt, ok := r.routes[routeKey{AnyKind, action}]
	return rt, ok
}

// Dispatch es el bus.Handler del nodo. Descarta eventos propios salvo las
// excepciones de event.ProcessSelf.
func (r *Router) Dispatch(ctx context.Context, ev event.Event) {
	action := string(ev.Action)
	if ev.SourceNodeID == r.nodeID && !event.ProcessSelf(ev.Action) {
		metrics.EventsReceived.WithLabelValues(action, "self").Inc()
		return
	}
	rt, ok := r.Lookup(ev.Kind, ev.Action)
	if !ok {
		metrics.EventsReceived.WithLabelValues(action, "unrouted").Inc()
		r.log.Debug("unrouted event", logger.EventKind(string(ev.Kind)), logger.Action(action), logger.SourceNode(ev.SourceNodeID))
		return
	}
	if !rt.Async {
		r.invoke(ctx, rt, ev)
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		metrics.EventsReceived.WithLabelValues(action, "dropped").Inc()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	slots := r.slots
	if rt.Parks != nil && rt.Parks(ev) {
		slots = r.parked
	}
	go func() {
		defer r.wg.Done()
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-slots }()
		r.invoke(ctx, rt, ev)
	}()
}

func (r *Router) invoke(ctx context.Context, rt Route, ev event.Event) {
	action := string(ev.Action)
	defer func() {
		if rec := recover(); rec != nil {
			metrics.EventsReceived.WithLabelValues(action, "failed").Inc()
			r.eventLog(rt, ev).Error("event handler panicked", logger.Any("panic", rec))
		}
	}()
	if err := rt.Handle(ctx, ev); err != nil {
		metrics.EventsReceived.WithLabelValues(action, "failed").Inc()
		r.eventLog(rt, ev).Warn("event handler failed", logger.Err(err))
		return
	}
	metrics.EventsReceived.WithLabelValues(action, "handled").Inc()
}

func (r *Router) eventLog(rt Route, ev event.Event) *zap.Logger {
	fields := []zap.Field{
		logger.String("route", rt.Name),
		logger.SourceNode(ev.SourceNodeID),
		logger.EventKind(string(ev.Kind)),
		logger.Action(string(ev.Action)),
		logger.EventID(ev.ID),
	}
	if ev.EntityID != nil {
		fields = append(fields, logger.Int64("entity_id", *ev.EntityID))
	}
	if ev.EntityCode != nil {
		fields = append(fields, logger.String("entity_code", *ev.EntityCode))
	}
	if ev.Correlation != nil {
		fields = append(fields, logger.CorrelationID(ev.Correlation.ID.String()))
	}
	return r.log.With(fields...)
}

// Close deja de aceptar handlers asíncronos y espera a los que están en vuelo.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
