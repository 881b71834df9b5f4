// Package async lleva el registro local de operaciones asíncronas: el
// PendingResultStore (id → resultado/placeholder) y el Executor que corre
// unidades de trabajo y mantiene el store consistente.
package async

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dropDatabas3/nodebus/internal/metrics"
)

// Status del ciclo de vida de un PendingResult.
// Pending → {Completed|Canceled|TimedOut} → removido. Nunca se sale de un
// estado terminal salvo por remoción.
type Status int

const (
	StatusPending Status = iota
	StatusCompleted
	StatusCanceled
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	case StatusCanceled:
		return "canceled"
	case StatusTimedOut:
		return "timed_out"
	}
	return "unknown"
}

// Terminal indica si el estado ya no puede cambiar.
func (s Status) Terminal() bool { return s != StatusPending }

var (
	ErrNotFound      = errors.New("async: operation not found")
	ErrAlreadyExists = errors.New("async: operation already registered")
)

// PendingResult es una copia inmutable del estado de una operación.
type PendingResult struct {
	OperationID string
	OwnerNodeID string
	Status      Status
	Value       any
	Err         error
	Metadata    Metadata
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Succeeded indica un Completed sin error.
func (p PendingResult) Succeeded() bool { return p.Status == StatusCompleted && p.Err == nil }

type entry struct {
	res        PendingResult
	registered bool
	cancel     context.CancelFunc
	done       chan struct{}
}

func (e *entry) finish(st Status, v any, err error, now time.Time) bool {
	if e.res.Status.Terminal() {
		return false
	}
	e.res.Status = st
	e.res.Value = v
	e.res.Err = err
	e.res.CompletedAt = now
	close(e.done)
	return true
}

// Store es el PendingResultStore del nodo: un map concurrente con
// transiciones check-and-set (la primera transición gana, nunca last-write-wins).
// Se construye una vez por proceso y se inyecta.
type Store struct {
	nodeID string
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewStore crea un store vacío para el nodo dado.
func NewStore(nodeID string) *Store {
	return &Store{nodeID: nodeID, now: time.Now, entries: make(map[string]*entry)}
}

// NodeID es el dueño de todas las entradas de este store.
func (s *Store) NodeID() string { return s.nodeID }

func (s *Store) getOrCreateLocked(id string) *entry {
	e, ok := s.entries[id]
	if !ok {
		e = &entry{
			res:  PendingResult{OperationID: id, OwnerNodeID: s.nodeID, Status: StatusPending, CreatedAt: s.now()},
			done: make(chan struct{}),
		}
		s.entries[id] = e
		metrics.AsyncPending.Set(float64(len(s.entries)))
	}
	return e
}

// Register da de alta una operación Pending. Si la operación ya terminó
// antes de registrarse (completion-before-registration), conserva el estado
// terminal y solo adjunta metadata; nunca duplica ni pisa la entrada.
func (s *Store) Register(id string, meta Metadata, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.getOrCreateLocked(id)
	if e.registered {
		return ErrAlreadyExists
	}
	e.registered = true
	e.res.Metadata = meta
	e.cancel = cancel
	return nil
}

// Complete marca la operación como Completed con valor o error.
// Devuelve false si ya estaba en un estado terminal (la transición perdió).
func (s *Store) Complete(id string, v any, err error) bool {
	return s.transition(id, StatusCompleted, v, err, true)
}

// settle es la completion del executor: la entrada siempre se registró antes
// de arrancar el trabajo, así que si ya no existe (Clear, Remove o consumo) el
// resultado se descarta en vez de crear una entrada nueva.
func (s *Store) settle(id string, v any, err error) bool {
	return s.transition(id, StatusCompleted, v, err, false)
}

// Expire marca TimedOut una operación que excedió su propio timeout.
func (s *Store) Expire(id string) bool {
	ok := s.transition(id, StatusTimedOut, nil, context.DeadlineExceeded, false)
	if ok {
		s.interrupt(id)
	}
	return ok
}

// Cancel es idempotente: pide interrupción y marca Canceled de inmediato para
// que los que esperan vuelvan aunque el trabajo no se pueda frenar todavía.
// Devuelve ErrNotFound si el id no existe; nil si queda (o ya estaba) cancelada
// o si ya había terminado de otra forma.
func (s *Store) Cancel(id string) (PendingResult, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return PendingResult{}, ErrNotFound
	}
	won := e.finish(StatusCanceled, nil, context.Canceled, s.now())
	res := e.res
	cancel := e.cancel
	s.mu.Unlock()

	if won {
		metrics.AsyncOperations.WithLabelValues(StatusCanceled.String()).Inc()
		if cancel != nil {
			cancel()
		}
	}
	return res, nil
}

// transition aplica un cambio a estado terminal. create=true permite que la
// completion llegue antes que el Register.
func (s *Store) transition(id string, st Status, v any, err error, create bool) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		if !create {
			s.mu.Unlock()
			return false
		}
		e = s.getOrCreateLocked(id)
	}
	won := e.finish(st, v, err, s.now())
	s.mu.Unlock()
	if won {
		label := st.String()
		if st == StatusCompleted && err != nil {
			label = "failed"
		}
		metrics.AsyncOperations.WithLabelValues(label).Inc()
	}
	return won
}

func (s *Store) interrupt(id string) {
	s.mu.Lock()
	var cancel context.CancelFunc
	if e, ok := s.entries[id]; ok {
		cancel = e.cancel
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Get es getLocal: copia del estado actual, o false si no existe.
func (s *Store) Get(id string) (PendingResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return PendingResult{}, false
	}
	return e.res, true
}

// Consume lee una operación terminal. Con keep=false una entrada Completed se
// remueve tras la lectura (at-most-once); con keep=true queda hasta un Clear.
// Canceled/TimedOut no se remueven: siguen respondiendo lo mismo.
// Una operación Pending se devuelve sin tocar.
func (s *Store) Consume(id string, keep bool) (PendingResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return PendingResult{}, false
	}
	res := e.res
	if !keep && res.Status == StatusCompleted {
		delete(s.entries, id)
		metrics.AsyncPending.Set(float64(len(s.entries)))
	}
	return res, true
}

// Wait bloquea hasta que la operación llegue a un estado terminal o ctx termine.
func (s *Store) Wait(ctx context.Context, id string) (PendingResult, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return PendingResult{}, ErrNotFound
	}
	select {
	case <-e.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return e.res, nil
	case <-ctx.Done():
		return PendingResult{}, ctx.Err()
	}
}

// Remove borra una entrada sin importar su estado.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	metrics.AsyncPending.Set(float64(len(s.entries)))
	s.mu.Unlock()
}

// Clear borra todas las entradas terminales (cache-clear administrativo).
// Las Pending se conservan: su trabajo sigue corriendo y completará después.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.entries {
		if e.res.Status.Terminal() {
			delete(s.entries, id)
			n++
		}
	}
	metrics.AsyncPending.Set(float64(len(s.entries)))
	return n
}

// Len devuelve la cantidad de entradas.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
