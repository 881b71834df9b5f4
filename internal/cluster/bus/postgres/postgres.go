// Package postgres implementa el Transport del bus con LISTEN/NOTIFY sobre la
// base de datos que ya comparten los nodos. NOTIFY no informa receptores, así
// que Publish devuelve -1 y los requests esperan respuesta no nula o timeout.
//
// Límite: el payload de NOTIFY no puede superar ~8000 bytes.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dropDatabas3/nodebus/internal/cluster/bus"
	"github.com/dropDatabas3/nodebus/internal/observability/logger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// MaxPayload es el tamaño máximo aceptado por NOTIFY.
const MaxPayload = 7999

// ErrPayloadTooLarge se devuelve cuando el evento no entra en un NOTIFY.
var ErrPayloadTooLarge = errors.New("postgres transport: payload exceeds NOTIFY limit")

// Backoff de reconexión del LISTEN.
const (
	DefaultMinBackoff = 100 * time.Millisecond
	DefaultMaxBackoff = 5 * time.Second
)

// ErrNotListening indica que alguna suscripción perdió su conexión y todavía
// no la recuperó.
var ErrNotListening = errors.New("postgres transport: listener down")

// listenConn es la conexión dedicada a un LISTEN (un *pgx.Conn).
type listenConn interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// Transport implementa bus.Transport sobre un pgxpool.
type Transport struct {
	pool  *pgxpool.Pool
	owned bool
	dial  func(ctx context.Context, topic string) (listenConn, error)

	minBackoff time.Duration
	maxBackoff time.Duration

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

var _ bus.Transport = (*Transport)(nil)

// New abre un pool contra dsn y verifica con Ping.
func New(ctx context.Context, dsn string) (*Transport, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres transport: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres transport: ping: %w", err)
	}
	t := FromPool(pool)
	t.owned = true
	return t, nil
}

// FromPool reutiliza un pool existente (no lo cierra en Close).
func FromPool(pool *pgxpool.Pool) *Transport {
	t := &Transport{
		pool:       pool,
		minBackoff: DefaultMinBackoff,
		maxBackoff: DefaultMaxBackoff,
		subs:       make(map[*subscription]struct{}),
	}
	t.dial = t.listen
	return t
}

// Pool expone el pool (health checks, pgtx).
func (t *Transport) Pool() *pgxpool.Pool { return t.pool }

// Publish hace pg_notify(topic, payload).
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) (int, error) {
	if len(payload) > MaxPayload {
		return 0, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	if _, err := t.pool.Exec(ctx, "SELECT pg_notify($1, $2)", topic, string(payload)); err != nil {
		return 0, err
	}
	return -1, nil
}

// listen toma una conexión del pool, hace LISTEN y se la queda: con LISTEN
// activo la conexión no puede volver al pool.
func (t *Transport) listen(ctx context.Context, topic string) (listenConn, error) {
	conn, err := t.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres transport: acquire: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{topic}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("postgres transport: listen %s: %w", topic, err)
	}
	return conn.Hijack(), nil
}

// Subscribe hace LISTEN en una conexión dedicada y entrega cada notificación
// en orden desde una goroutine propia. Si la conexión se cae, reconecta con
// backoff y vuelve a hacer LISTEN; lo notificado mientras tanto se pierde.
func (t *Transport) Subscribe(ctx context.Context, topic string, fn func([]byte)) (bus.Subscription, error) {
	conn, err := t.dial(ctx, topic)
	if err != nil {
		return nil, err
	}

	lctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		owner:  t,
		topic:  topic,
		fn:     fn,
		cancel: cancel,
		done:   make(chan struct{}),
		log:    logger.L().With(logger.Component("bus.postgres"), logger.Topic(topic)),
	}
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	go s.run(lctx, conn)
	return s, nil
}

// ListenErr devuelve ErrNotListening si alguna suscripción está caída.
func (t *Transport) ListenErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for s := range t.subs {
		if err := s.downErr(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrNotListening, s.topic, err)
		}
	}
	return nil
}

// Close cierra suscripciones y, si el pool es propio, el pool.
func (t *Transport) Close() error {
	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	if t.owned {
		t.pool.Close()
	}
	return nil
}

type subscription struct {
	owner  *Transport
	topic  string
	fn     func([]byte)
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
	log    *zap.Logger

	mu   sync.Mutex
	down error
}

func (s *subscription) setDown(err error) {
	s.mu.Lock()
	s.down = err
	s.mu.Unlock()
}

func (s *subscription) downErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down
}

func (s *subscription) run(ctx context.Context, conn listenConn) {
	defer close(s.done)
	for {
		err := s.consume(ctx, conn)
		_ = conn.Close(context.Background())
		if ctx.Err() != nil {
			return
		}
		s.setDown(err)
		s.log.Warn("listen connection lost, reconnecting", logger.Err(err))

		if conn = s.redial(ctx); conn == nil {
			return
		}
		s.setDown(nil)
		s.log.Info("listen restored")
	}
}

func (s *subscription) consume(ctx context.Context, conn listenConn) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.fn([]byte(n.Payload))
	}
}

// redial reintenta hasta reconectar o hasta que ctx termine (devuelve nil).
func (s *subscription) redial(ctx context.Context) listenConn {
	backoff := s.owner.minBackoff
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		conn, err := s.owner.dial(ctx, s.topic)
		if err == nil {
			return conn
		}
		if ctx.Err() != nil {
			return nil
		}
		s.setDown(err)
		s.log.Warn("relisten failed", logger.Err(err), logger.Duration(backoff))
		backoff = min(backoff*2, s.owner.maxBackoff)
	}
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
	})
	return nil
}
