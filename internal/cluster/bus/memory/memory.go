// Package memory implementa un Transport en proceso. Un Hub compartido por
// varios Bus simula un cluster dentro de un solo proceso (tests, modo off).
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/dropDatabas3/nodebus/internal/cluster/bus"
)

// ErrClosed se devuelve al usar un transporte cerrado.
var ErrClosed = errors.New("memory: transport closed")

// Hub es el "broker" en memoria.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*subscription]struct{}
}

// NewHub crea un hub vacío.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[*subscription]struct{})}
}

// Transport devuelve un transporte conectado al hub (uno por nodo).
func (h *Hub) Transport() *Transport {
	return &Transport{hub: h, subs: make(map[*subscription]struct{})}
}

// Subscribers cuenta los suscriptores de un topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *Hub) publish(topic string, payload []byte) int {
	h.mu.RLock()
	targets := make([]*subscription, 0, len(h.topics[topic]))
	for s := range h.topics[topic] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		// copia por suscriptor: nadie comparte el slice
		cp := append([]byte(nil), payload...)
		s.push(cp)
	}
	return len(targets)
}

func (h *Hub) add(topic string, s *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.topics[topic]
	if !ok {
		m = make(map[*subscription]struct{})
		h.topics[topic] = m
	}
	m[s] = struct{}{}
}

func (h *Hub) remove(topic string, s *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.topics[topic]; ok {
		delete(m, s)
		if len(m) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Transport implementa bus.Transport sobre un Hub.
type Transport struct {
	hub *Hub

	mu     sync.Mutex
	closed bool
	subs   map[*subscription]struct{}
}

var _ bus.Transport = (*Transport)(nil)

// Publish entrega a todos los suscriptores del topic y devuelve cuántos eran.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	return t.hub.publish(topic, payload), nil
}

// Subscribe registra fn; cada suscripción tiene su propia cola ordenada.
func (t *Transport) Subscribe(_ context.Context, topic string, fn func([]byte)) (bus.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	s := &subscription{topic: topic, fn: fn, owner: t, wake: make(chan struct{}, 1), quit: make(chan struct{})}
	t.subs[s] = struct{}{}
	t.hub.add(topic, s)
	go s.loop()
	return s, nil
}

// Close cierra todas las suscripciones del transporte.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

func (t *Transport) forget(s *subscription) {
	t.mu.Lock()
	delete(t.subs, s)
	t.mu.Unlock()
}

// subscription es una cola FIFO sin límite: Publish nunca bloquea al emisor.
type subscription struct {
	topic string
	fn    func([]byte)
	owner *Transport

	mu      sync.Mutex
	pending [][]byte
	wake    chan struct{}
	quit    chan struct{}
	once    sync.Once
}

func (s *subscription) push(p []byte) {
	s.mu.Lock()
	s.pending = append(s.pending, p)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) loop() {
	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			p := s.pending[0]
			s.pending[0] = nil
			s.pending = s.pending[1:]
			s.mu.Unlock()

			select {
			case <-s.quit:
				return
			default:
			}
			s.fn(p)
		}
	}
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.owner.hub.remove(s.topic, s)
		s.owner.forget(s)
		close(s.quit)
	})
	return nil
}
