// Package bus implementa el EventBus del cluster: broadcast fire-and-forget
// (con retardo opcional) y request/reply con correlación, sobre un Transport.
//
// Los fallos del transporte nunca se propagan al llamador: un publish fallido
// se loguea y no tiene efecto; un request fallido devuelve "sin respuesta".
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dropDatabas3/nodebus/internal/cluster/event"
	"github.com/dropDatabas3/nodebus/internal/metrics"
	"github.com/dropDatabas3/nodebus/internal/observability/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultCommitDelay es el retardo de create/update.
	DefaultCommitDelay = 2 * time.Second
	// DefaultReplyTimeout es el preset corto de request/reply.
	DefaultReplyTimeout = 10 * time.Second
	// DefaultWaitForeverCap es el techo finito del preset "esperar siempre".
	DefaultWaitForeverCap = 10 * time.Minute
	// DefaultDispatchBuffer es el tamaño de la cola de eventos entrantes.
	DefaultDispatchBuffer = 1024
)

var (
	ErrNoTransport = errors.New("bus: transport is required")
	ErrNoNodeID    = errors.New("bus: node id is required")
	ErrStarted     = errors.New("bus: already started")
)

// Handler procesa un evento entrante. Corre en el loop de dispatch: lo que
// sea lento tiene que delegarse (ver router).
type Handler func(ctx context.Context, ev event.Event)

// Options configura el Bus.
type Options struct {
	NodeID         string
	Transport      Transport
	TopicPrefix    string
	CommitDelay    time.Duration
	ReplyTimeout   time.Duration
	WaitForeverCap time.Duration
	DispatchBuffer int
	Logger         *zap.Logger
}

// Bus es el EventBus de un nodo.
type Bus struct {
	opts Options
	log  *zap.Logger
	now  func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	queue  chan []byte

	startMu sync.Mutex
	started bool
	subs    []Subscription

	wmu     sync.Mutex
	waiters map[event.CorrelationKey]*waiter

	tmu    sync.Mutex
	timers map[*time.Timer]struct{}
}

// New valida opciones y arma el bus (sin suscribirse todavía).
func New(opts Options) (*Bus, error) {
	if opts.Transport == nil {
		return nil, ErrNoTransport
	}
	if opts.NodeID == "" {
		return nil, ErrNoNodeID
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "nodebus"
	}
	if opts.CommitDelay < 0 {
		opts.CommitDelay = 0
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	if opts.WaitForeverCap <= 0 {
		opts.WaitForeverCap = DefaultWaitForeverCap
	}
	if opts.DispatchBuffer <= 0 {
		opts.DispatchBuffer = DefaultDispatchBuffer
	}
	log := opts.Logger
	if log == nil {
		log = logger.L()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		opts:    opts,
		log:     log.With(logger.Component("bus"), logger.NodeID(opts.NodeID)),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		queue:   make(chan []byte, opts.DispatchBuffer),
		waiters: make(map[event.CorrelationKey]*waiter),
		timers:  make(map[*time.Timer]struct{}),
	}, nil
}

// NodeID del nodo local.
func (b *Bus) NodeID() string { return b.opts.NodeID }

// CommitDelay configurado para create/update.
func (b *Bus) CommitDelay() time.Duration { return b.opts.CommitDelay }

// ReplyTimeout es el preset corto de request/reply.
func (b *Bus) ReplyTimeout() time.Duration { return b.opts.ReplyTimeout }

// WaitForeverCap es el techo de cualquier espera.
func (b *Bus) WaitForeverCap() time.Duration { return b.opts.WaitForeverCap }

// EventsTopic es el topic de broadcast.
func (b *Bus) EventsTopic() string { return b.opts.TopicPrefix + ".events" }

// ReplyTopic es la cola de respuestas del nodo dado.
func (b *Bus) ReplyTopic(nodeID string) string { return b.opts.TopicPrefix + ".replies." + nodeID }

// Start se suscribe a la cola de respuestas del nodo y al topic de eventos,
// y arranca el loop de dispatch que invoca h en orden de llegada.
func (b *Bus) Start(ctx context.Context, h Handler) error {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.started {
		return ErrStarted
	}
	if h == nil {
		return errors.New("bus: nil handler")
	}

	replies, err := b.opts.Transport.Subscribe(ctx, b.ReplyTopic(b.opts.NodeID), b.onReply)
	if err != nil {
		metrics.TransportErrors.WithLabelValues("subscribe").Inc()
		return fmt.Errorf("bus: subscribe replies: %w", err)
	}
	events, err := b.opts.Transport.Subscribe(ctx, b.EventsTopic(), b.enqueue)
	if err != nil {
		_ = replies.Close()
		metrics.TransportErrors.WithLabelValues("subscribe").Inc()
		return fmt.Errorf("bus: subscribe events: %w", err)
	}
	b.subs = append(b.subs, replies, events)
	b.started = true

	b.wg.Add(1)
	go b.dispatchLoop(h)
	b.log.Info("bus started", logger.Topic(b.EventsTopic()))
	return nil
}

func (b *Bus) enqueue(payload []byte) {
	select {
	case <-b.ctx.Done():
		return
	default:
	}
	select {
	case b.queue <- payload:
	default:
		metrics.EventsReceived.WithLabelValues("unknown", "dropped").Inc()
		b.log.Warn("dispatch queue full, event dropped", logger.Int("buffer", cap(b.queue)))
	}
}

func (b *Bus) dispatchLoop(h Handler) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case payload := <-b.queue:
			ev, err := event.Decode(payload)
			if err != nil {
				metrics.TransportErrors.WithLabelValues("decode").Inc()
				b.log.Warn("undecodable event discarded", logger.Err(err))
				continue
			}
			b.safeHandle(h, ev)
		}
	}
}

func (b *Bus) safeHandle(h Handler, ev event.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.EventsReceived.WithLabelValues(string(ev.Action), "failed").Inc()
			b.log.Error("event handler panicked",
				logger.Action(string(ev.Action)), logger.EventKind(string(ev.Kind)),
				logger.SourceNode(ev.SourceNodeID), logger.Any("panic", rec))
		}
	}()
	h(b.ctx, ev)
}

// stamp completa origen e id de log del evento.
func (b *Bus) stamp(ev event.Event) event.Event {
	ev.SourceNodeID = b.opts.NodeID
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return ev
}

// Publish difunde el evento aplicando la política de su acción
// (create/update salen con el retardo de commit).
func (b *Bus) Publish(ctx context.Context, ev event.Event) {
	p := event.PolicyFor(ev.Action, b.opts.CommitDelay)
	b.PublishAfter(ctx, ev, p.Delay)
}

// PublishAfter difunde el evento no antes de now+delay. Nunca bloquea por el
// retardo; los envíos diferidos se cancelan en Close.
func (b *Bus) PublishAfter(ctx context.Context, ev event.Event, delay time.Duration) {
	ev = b.stamp(ev)
	payload, err := event.Encode(ev)
	if err != nil {
		metrics.TransportErrors.WithLabelValues("publish").Inc()
		b.log.Error("event encode failed", logger.Action(string(ev.Action)), logger.Err(err))
		return
	}
	if delay <= 0 {
		_, _ = b.send(ctx, ev, payload)
		return
	}

	var t *time.Timer
	b.tmu.Lock()
	t = time.AfterFunc(delay, func() {
		b.tmu.Lock()
		delete(b.timers, t)
		b.tmu.Unlock()
		_, _ = b.send(b.ctx, ev, payload)
	})
	b.timers[t] = struct{}{}
	b.tmu.Unlock()
}

// PublishTx publica según la política de la acción y el modo transaccional:
// con TxRequired y hooks != nil el envío se difiere al commit (y el retardo
// corre desde ahí). Un rollback nunca publica.
func (b *Bus) PublishTx(ctx context.Context, hooks CommitHooks, ev event.Event) {
	p := event.PolicyFor(ev.Action, b.opts.CommitDelay)
	if p.Tx == event.TxRequired && hooks != nil {
		hooks.OnCommit(func() { b.PublishAfter(b.ctx, ev, p.Delay) })
		return
	}
	b.PublishAfter(ctx, ev, p.Delay)
}

// send publica en el topic de eventos. n es la cantidad de receptores
// (-1 si el broker no la conoce); ok=false si el envío falló.
func (b *Bus) send(ctx context.Context, ev event.Event, payload []byte) (n int, ok bool) {
	if b.ctx.Err() != nil {
		return -1, false
	}
	n, err := b.opts.Transport.Publish(ctx, b.EventsTopic(), payload)
	if err != nil {
		metrics.TransportErrors.WithLabelValues("publish").Inc()
		b.log.Warn("publish failed",
			logger.Action(string(ev.Action)), logger.EventKind(string(ev.Kind)),
			logger.EventID(ev.ID), logger.Err(err))
		return -1, false
	}
	metrics.EventsPublished.WithLabelValues(string(ev.Action)).Inc()
	return n, true
}

// clampTimeout aplica el preset corto si timeout <= 0 y nunca supera el techo.
func (b *Bus) clampTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		timeout = b.opts.ReplyTimeout
	}
	if timeout > b.opts.WaitForeverCap {
		timeout = b.opts.WaitForeverCap
	}
	return timeout
}

// PublishAndAwaitReply difunde ev con una correlación nueva y bloquea hasta la
// primera respuesta no nula o hasta timeout. Si el transporte informa cuántos
// nodos recibieron el request, termina antes cuando todos respondieron nulo.
// ok=false significa "sin respuesta" (timeout, todos nulos o fallo de transporte).
func (b *Bus) PublishAndAwaitReply(ctx context.Context, ev event.Event, timeout time.Duration) (json.RawMessage, bool) {
	timeout = b.clampTimeout(timeout)
	ev = b.stamp(ev)
	key := event.NewCorrelationKey(ev, b.now())
	ev.Correlation = &event.Envelope{ID: key, ReplyTo: b.ReplyTopic(b.opts.NodeID)}

	log := b.log.With(logger.Action(string(ev.Action)), logger.CorrelationID(key.String()))

	payload, err := event.Encode(ev)
	if err != nil {
		metrics.TransportErrors.WithLabelValues("publish").Inc()
		log.Error("request encode failed", logger.Err(err))
		return nil, false
	}

	w := newWaiter()
	b.wmu.Lock()
	b.waiters[key] = w
	b.wmu.Unlock()
	defer func() {
		b.wmu.Lock()
		delete(b.waiters, key)
		b.wmu.Unlock()
	}()

	start := b.now()
	n, ok := b.send(ctx, ev, payload)
	if !ok {
		return nil, false
	}
	w.expect(n)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-w.result:
		metrics.ReplyWait.Observe(time.Since(start).Seconds())
		if v == nil {
			log.Debug("every receiver answered null", logger.Count(n))
			return nil, false
		}
		return v, true
	case <-timer.C:
		metrics.ReplyTimeouts.Inc()
		log.Debug("request timed out", logger.Duration(timeout))
		return nil, false
	case <-ctx.Done():
		return nil, false
	case <-b.ctx.Done():
		return nil, false
	}
}

func (b *Bus) onReply(payload []byte) {
	r, err := event.DecodeReply(payload)
	if err != nil {
		metrics.TransportErrors.WithLabelValues("decode").Inc()
		b.log.Warn("undecodable reply discarded", logger.Err(err))
		return
	}
	b.wmu.Lock()
	w, ok := b.waiters[r.Correlation]
	b.wmu.Unlock()
	if !ok {
		// respuesta tardía: el request ya terminó
		b.log.Debug("reply without waiter", logger.CorrelationID(r.Correlation.String()), logger.SourceNode(r.SourceNodeID))
		return
	}
	w.offer(r)
}

// Reply responde a un evento request/reply; no hace nada si el evento no
// traía correlación. value nil significa "sin opinión".
func (b *Bus) Reply(ctx context.Context, ev event.Event, value any) {
	if !ev.WantsReply() {
		return
	}
	payload, err := event.EncodeReply(ev.Correlation.ID, b.opts.NodeID, value)
	if err != nil {
		metrics.TransportErrors.WithLabelValues("reply").Inc()
		b.log.Error("reply encode failed", logger.CorrelationID(ev.Correlation.ID.String()), logger.Err(err))
		// degradamos a "no encontrado" para no dejar al emisor esperando el timeout
		payload, err = event.EncodeReply(ev.Correlation.ID, b.opts.NodeID, nil)
		if err != nil {
			return
		}
	}
	if _, err := b.opts.Transport.Publish(ctx, ev.Correlation.ReplyTo, payload); err != nil {
		metrics.TransportErrors.WithLabelValues("reply").Inc()
		b.log.Warn("reply publish failed", logger.Topic(ev.Correlation.ReplyTo), logger.Err(err))
	}
}

// Close cancela envíos diferidos, cierra suscripciones y espera al loop.
func (b *Bus) Close() error {
	b.cancel()

	b.tmu.Lock()
	for t := range b.timers {
		t.Stop()
	}
	b.timers = map[*time.Timer]struct{}{}
	b.tmu.Unlock()

	b.startMu.Lock()
	subs := b.subs
	b.subs = nil
	b.startMu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.wg.Wait()
	return errors.Join(errs...)
}

// waiter junta respuestas de un request hasta la primera no nula, o hasta
// que respondieron todos los receptores conocidos.
type waiter struct {
	mu       sync.Mutex
	expected int
	nulls    int
	done     bool
	result   chan json.RawMessage
}

func newWaiter() *waiter {
	return &waiter{expected: -1, result: make(chan json.RawMessage, 1)}
}

func (w *waiter) expect(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n < 0 || w.done {
		return
	}
	w.expected = n
	if w.nulls >= n {
		w.finishLocked(nil)
	}
}

func (w *waiter) offer(r event.Reply) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	if !r.IsNull() {
		w.finishLocked(r.Value)
		return
	}
	w.nulls++
	if w.expected >= 0 && w.nulls >= w.expected {
		w.finishLocked(nil)
	}
}

func (w *waiter) finishLocked(v json.RawMessage) {
	w.done = true
	w.result <- v
}
