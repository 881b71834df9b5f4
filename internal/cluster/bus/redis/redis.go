// Package redis implementa el Transport del bus sobre Redis PUBLISH/SUBSCRIBE.
// PUBLISH devuelve cuántos clientes recibieron el mensaje, lo que permite al
// bus cerrar antes un request cuando todos respondieron nulo.
package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dropDatabas3/nodebus/internal/cluster/bus"
	"github.com/dropDatabas3/nodebus/internal/observability/logger"
	rdb "github.com/redis/go-redis/v9"
)

// Config de conexión.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Transport implementa bus.Transport.
type Transport struct {
	client *rdb.Client
	owned  bool

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

var _ bus.Transport = (*Transport)(nil)

// New conecta y verifica con PING.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	client := rdb.NewClient(&rdb.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis transport: ping %s: %w", cfg.Addr, err)
	}
	t := FromClient(client)
	t.owned = true
	return t, nil
}

// FromClient reutiliza un cliente existente (no lo cierra en Close).
func FromClient(client *rdb.Client) *Transport {
	return &Transport{client: client, subs: make(map[*subscription]struct{})}
}

// Client expone el cliente para health checks.
func (t *Transport) Client() *rdb.Client { return t.client }

// Publish hace PUBLISH y devuelve la cantidad de receptores.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) (int, error) {
	n, err := t.client.Publish(ctx, topic, payload).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Subscribe abre un SUBSCRIBE dedicado y confirma la suscripción antes de
// volver, así no se pierden mensajes publicados inmediatamente después.
func (t *Transport) Subscribe(ctx context.Context, topic string, fn func([]byte)) (bus.Subscription, error) {
	ps := t.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis transport: subscribe %s: %w", topic, err)
	}
	s := &subscription{ps: ps, owner: t, done: make(chan struct{})}
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	ch := ps.Channel()
	go func() {
		defer close(s.done)
		for msg := range ch {
			fn([]byte(msg.Payload))
		}
		logger.L().Debug("redis subscription closed", logger.Component("bus.redis"), logger.Topic(topic))
	}()
	return s, nil
}

// Close cierra suscripciones y, si el cliente es propio, la conexión.
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
		return t.client.Close()
	}
	return nil
}

type subscription struct {
	ps    *rdb.PubSub
	owner *Transport
	once  sync.Once
	done  chan struct{}
	err   error
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.err = s.ps.Close()
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
		<-s.done
	})
	return s.err
}
