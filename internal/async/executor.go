package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dropDatabas3/nodebus/internal/observability/logger"
	"github.com/google/uuid"
)

// UnitOfWork es el trabajo inyectado (script, job, refresh de cache...).
// Debe revisar ctx.Done() en puntos razonables: la cancelación es cooperativa.
type UnitOfWork func(ctx context.Context) (any, error)

// Metadata describe la operación para logs y consultas.
type Metadata struct {
	Kind     string
	Subject  string
	Launcher string
	// Timeout > 0 acota la duración del trabajo; al vencer la entrada pasa a TimedOut.
	Timeout time.Duration
}

// ErrPanic envuelve un panic del trabajo convertido en resultado fallido.
var ErrPanic = errors.New("async: unit of work panicked")

// ErrClosed se devuelve al iniciar trabajo en un executor cerrado.
var ErrClosed = errors.New("async: executor closed")

// ExecutorOptions configura el Executor.
type ExecutorOptions struct {
	// Workers acota cuántas unidades de trabajo corren a la vez. Default 8.
	Workers int
	// DefaultTimeout se aplica cuando Metadata.Timeout es 0. 0 = sin límite.
	DefaultTimeout time.Duration
	// NewID genera OperationIds. Default uuid.NewString.
	NewID func() string
}

// Executor corre unidades de trabajo en background y las refleja en el Store.
type Executor struct {
	store   *Store
	slots   chan struct{}
	timeout time.Duration
	newID   func() string

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewExecutor crea un executor sobre el store dado.
func NewExecutor(store *Store, opts ExecutorOptions) *Executor {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Executor{
		store:   store,
		slots:   make(chan struct{}, opts.Workers),
		timeout: opts.DefaultTimeout,
		newID:   opts.NewID,
		baseCtx: ctx,
		stop:    stop,
	}
}

// Store expone el PendingResultStore del executor.
func (x *Executor) Store() *Store { return x.store }

// Start genera un id, registra la operación Pending y agenda el trabajo.
// No bloquea: si no hay workers libres el trabajo espera su turno en background.
func (x *Executor) Start(work UnitOfWork, meta Metadata) (string, error) {
	if work == nil {
		return "", errors.New("async: nil unit of work")
	}
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return "", ErrClosed
	}
	x.wg.Add(1)
	x.mu.Unlock()

	id := x.newID()
	timeout := meta.Timeout
	if timeout <= 0 {
		timeout = x.timeout
	}
	ctx, cancel := context.WithCancel(x.baseCtx)
	if err := x.store.Register(id, meta, cancel); err != nil {
		cancel()
		x.wg.Done()
		return "", fmt.Errorf("register %s: %w", id, err)
	}

	log := logger.L().With(logger.Component("async"), logger.AsyncID(id), logger.String("kind", meta.Kind))
	log.Debug("operation started", logger.String("subject", meta.Subject))

	go x.run(ctx, cancel, id, work, timeout)
	return id, nil
}

func (x *Executor) run(ctx context.Context, cancel context.CancelFunc, id string, work UnitOfWork, timeout time.Duration) {
	defer x.wg.Done()
	defer cancel()

	select {
	case x.slots <- struct{}{}:
		defer func() { <-x.slots }()
	case <-ctx.Done():
	}
	if ctx.Err() != nil {
		// cancelada (o executor cerrado) antes de arrancar
		_, _ = x.store.Cancel(id)
		return
	}

	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			if x.store.Expire(id) {
				logger.L().Warn("operation timed out",
					logger.Component("async"), logger.AsyncID(id), logger.Duration(timeout))
			}
		})
	}

	start := time.Now()
	v, err := safeCall(ctx, work)
	if timer != nil {
		timer.Stop()
	}

	if !x.store.settle(id, v, err) {
		// Cancel, Expire o un Clear ganaron la carrera; el resultado tardío se descarta.
		logger.L().Debug("late completion discarded",
			logger.Component("async"), logger.AsyncID(id), logger.Duration(time.Since(start)))
		return
	}
	if err != nil {
		logger.L().Info("operation failed",
			logger.Component("async"), logger.AsyncID(id), logger.Err(err), logger.Duration(time.Since(start)))
	}
}

func safeCall(ctx context.Context, work UnitOfWork) (v any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			v = nil
			err = fmt.Errorf("%w: %v", ErrPanic, rec)
		}
	}()
	return work(ctx)
}

// Get es getLocal.
func (x *Executor) Get(id string) (PendingResult, bool) { return x.store.Get(id) }

// Cancel pide interrupción y marca Canceled. Idempotente.
func (x *Executor) Cancel(id string) (PendingResult, error) { return x.store.Cancel(id) }

// Consume lee y (si keep=false y está Completed) remueve el resultado.
func (x *Executor) Consume(id string, keep bool) (PendingResult, bool) {
	return x.store.Consume(id, keep)
}

// Close cancela el trabajo en curso y espera a que las goroutines terminen
// o a que ctx venza.
func (x *Executor) Close(ctx context.Context) error {
	x.mu.Lock()
	x.closed = true
	x.mu.Unlock()
	x.stop()

	done := make(chan struct{})
	go func() {
		x.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
