package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dropDatabas3/nodebus/internal/async"
	"github.com/dropDatabas3/nodebus/internal/cluster/event"
	"github.com/dropDatabas3/nodebus/internal/cluster/router"
	"github.com/dropDatabas3/nodebus/internal/observability/logger"
	"go.uber.org/zap"
)

type gateKind int

const (
	gateData gateKind = iota
	gateCompletion
)

type gateKey struct {
	kind gateKind
	key  string
}

// gate es una señal de un solo uso. waiters cuenta los que esperan; un gate
// cerrado sin waiters es un release adelantado de un job que sigue vivo.
type gate struct {
	ch      chan struct{}
	waiters int
}

func (g *gate) closed() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

// Publisher es la parte del bus que usan los jobs para avisar al cluster.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event)
}

// JobStarted es lo que devuelve Execute (y viaja como reply si se pidió).
type JobStarted struct {
	AsyncID        string `json:"asyncId"`
	NodeID         string `json:"nodeId"`
	Worker         bool   `json:"worker"`
	AlreadyRunning bool   `json:"alreadyRunning,omitempty"`
}

// Jobs es el runner local de jobs. Implementa router.JobRunner: un job es
// una función del Registry corrida en el Executor, con a lo sumo una
// instancia viva por código en este nodo. Una instancia worker además espera
// el último mensaje de datos antes de terminar. Al terminar cualquier
// instancia se publica jobExecutionCompleted.
type Jobs struct {
	exec   *async.Executor
	funcs  *Registry
	pub    Publisher
	nodeID string
	log    *zap.Logger

	mu      sync.Mutex
	running map[string]string
	gates   map[gateKey]*gate
}

var _ router.JobRunner = (*Jobs)(nil)

// NewJobs arma el runner. pub nil = sin avisos al cluster.
func NewJobs(exec *async.Executor, funcs *Registry, pub Publisher) *Jobs {
	nodeID := exec.Store().NodeID()
	return &Jobs{
		exec:    exec,
		funcs:   funcs,
		pub:     pub,
		nodeID:  nodeID,
		log:     logger.L().With(logger.Component("jobs"), logger.NodeID(nodeID)),
		running: make(map[string]string),
		gates:   make(map[gateKey]*gate),
	}
}

// Execute arranca el job del target si no hay uno vivo con el mismo código.
func (j *Jobs) Execute(_ context.Context, t router.Target, worker bool) (any, error) {
	key := t.Key()
	if key == "" {
		return nil, router.ErrNoSubject
	}
	if !j.funcs.Has(key) {
		return nil, fmt.Errorf("%w: job %q", ErrUnknownFunction, key)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if id, ok := j.running[key]; ok {
		if res, ok := j.exec.Get(id); ok && !res.Status.Terminal() {
			return JobStarted{AsyncID: id, NodeID: j.nodeID, Worker: worker, AlreadyRunning: true}, nil
		}
	}
	id, err := j.exec.Start(func(ctx context.Context) (any, error) {
		v, err := j.funcs.Execute(ctx, event.KindJob, t)
		if err != nil || !worker {
			return v, err
		}
		if err := j.WaitData(ctx, key); err != nil {
			return nil, err
		}
		return v, nil
	}, async.Metadata{Kind: "job", Subject: key, Launcher: t.Launcher})
	if err != nil {
		return nil, err
	}
	j.running[key] = id
	go j.watch(id, t)
	j.log.Info("job started", logger.Key(key), logger.AsyncID(id), logger.Bool("worker", worker), logger.String("launcher", t.Launcher))
	return JobStarted{AsyncID: id, NodeID: j.nodeID, Worker: worker}, nil
}

// watch espera el fin de la instancia, la olvida y avisa la completion.
func (j *Jobs) watch(id string, t router.Target) {
	key := t.Key()
	res, err := j.exec.Store().Wait(context.Background(), id)

	j.mu.Lock()
	cur, live := j.running[key]
	if live && cur == id {
		delete(j.running, key)
		live = false
	}
	if !live {
		for _, kind := range []gateKind{gateData, gateCompletion} {
			k := gateKey{kind, key}
			if g, ok := j.gates[k]; ok && g.waiters == 0 {
				delete(j.gates, k)
			}
		}
	}
	j.mu.Unlock()

	status := "removed"
	if err == nil {
		status = res.Status.String()
	}
	j.log.Debug("job finished", logger.Key(key), logger.AsyncID(id), logger.String("status", status))

	j.release(gateKey{gateCompletion, key})
	if j.pub != nil {
		j.pub.Publish(context.Background(), jobEvent(event.ActionJobExecutionCompleted, t).
			WithInfo(event.InfoAsyncID, id).
			WithInfo("status", status))
	}
}

// Running devuelve el OperationId del job vivo con ese código.
func (j *Jobs) Running(key string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	id, ok := j.running[key]
	if !ok {
		return "", false
	}
	if res, ok := j.exec.Get(id); !ok || res.Status.Terminal() {
		return "", false
	}
	return id, true
}

// Stop cancela el job local (la entrada queda Canceled). force además olvida
// el job en el runner sin esperar a que el trabajo frene. Sin job local no
// hace nada.
func (j *Jobs) Stop(_ context.Context, t router.Target, force bool) error {
	key := t.Key()
	j.mu.Lock()
	id, ok := j.running[key]
	if ok && force {
		delete(j.running, key)
	}
	j.mu.Unlock()
	if !ok {
		return nil
	}

	if _, err := j.exec.Cancel(id); err != nil && !errors.Is(err, async.ErrNotFound) {
		return err
	}
	j.log.Info("job stopped", logger.Key(key), logger.AsyncID(id), logger.Bool("force", force))
	return nil
}

// Launch arranca el job acá y, con workers, pide a los demás nodos que
// levanten su instancia worker.
func (j *Jobs) Launch(ctx context.Context, t router.Target, workers bool) (JobStarted, error) {
	v, err := j.Execute(ctx, t, false)
	if err != nil {
		return JobStarted{}, err
	}
	started := v.(JobStarted)
	if workers && !started.AlreadyRunning && j.pub != nil {
		j.pub.Publish(ctx, jobEvent(event.ActionExecuteWorker, t))
	}
	return started, nil
}

// Kill frena el job en este nodo y en el resto del cluster.
func (j *Jobs) Kill(ctx context.Context, t router.Target, force bool) error {
	if t.Key() == "" {
		return router.ErrNoSubject
	}
	err := j.Stop(ctx, t, force)
	if j.pub != nil {
		action := event.ActionStop
		if force {
			action = event.ActionStopByForce
		}
		j.pub.Publish(ctx, jobEvent(action, t))
	}
	return err
}

// DataComplete avisa que salió el último mensaje de datos del job: libera a
// los workers locales y a los del resto del cluster.
func (j *Jobs) DataComplete(ctx context.Context, t router.Target) error {
	if t.Key() == "" {
		return router.ErrNoSubject
	}
	j.release(gateKey{gateData, t.Key()})
	if j.pub != nil {
		j.pub.Publish(ctx, jobEvent(event.ActionLastDataMessageReceived, t))
	}
	return nil
}

// ReleaseData libera a quien espera el último mensaje de datos del job.
func (j *Jobs) ReleaseData(_ context.Context, t router.Target) error {
	j.release(gateKey{gateData, t.Key()})
	return nil
}

// ReleaseCompletion libera a quien espera el fin del job.
func (j *Jobs) ReleaseCompletion(_ context.Context, t router.Target) error {
	j.release(gateKey{gateCompletion, t.Key()})
	return nil
}

// WaitData bloquea hasta ReleaseData(key) o ctx.
func (j *Jobs) WaitData(ctx context.Context, key string) error {
	return j.wait(ctx, gateKey{gateData, key})
}

// WaitCompletion bloquea hasta ReleaseCompletion(key) o ctx.
func (j *Jobs) WaitCompletion(ctx context.Context, key string) error {
	return j.wait(ctx, gateKey{gateCompletion, key})
}

// release cierra el gate de los que esperan. Sin waiters solo se guarda si
// hay un job vivo con ese código (el release llegó antes que el wait); si no,
// se descarta.
func (j *Jobs) release(k gateKey) {
	j.mu.Lock()
	defer j.mu.Unlock()
	g, ok := j.gates[k]
	if !ok {
		if _, live := j.running[k.key]; !live {
			return
		}
		g = &gate{ch: make(chan struct{})}
		j.gates[k] = g
	}
	if !g.closed() {
		close(g.ch)
	}
}

func (j *Jobs) wait(ctx context.Context, k gateKey) error {
	j.mu.Lock()
	g, ok := j.gates[k]
	if !ok {
		g = &gate{ch: make(chan struct{})}
		j.gates[k] = g
	}
	g.waiters++
	j.mu.Unlock()

	var err error
	select {
	case <-g.ch:
	case <-ctx.Done():
		err = ctx.Err()
	}

	j.mu.Lock()
	g.waiters--
	if (g.waiters == 0 || g.closed()) && j.gates[k] == g {
		delete(j.gates, k)
	}
	j.mu.Unlock()
	return err
}

// jobEvent arma un evento de job sobre el target.
func jobEvent(action event.Action, t router.Target) event.Event {
	ev := event.New(event.KindJob, action).WithActor(t.User, t.Tenant)
	switch {
	case t.Code != "":
		ev = ev.WithEntityCode(t.Code)
	case t.ID != nil:
		ev = ev.WithEntityID(*t.ID)
	}
	for k, v := range t.Info {
		ev = ev.WithInfo(k, v)
	}
	if t.Launcher != "" {
		ev = ev.WithInfo(event.InfoLauncher, t.Launcher)
	}
	return ev
}
