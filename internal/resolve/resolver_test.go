package resolve_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dropDatabas3/nodebus/internal/async"
	"github.com/dropDatabas3/nodebus/internal/cluster/bus"
	"github.com/dropDatabas3/nodebus/internal/cluster/bus/memory"
	"github.com/dropDatabas3/nodebus/internal/cluster/router"
	"github.com/dropDatabas3/nodebus/internal/resolve"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v int64) *int64 { return &v }

type local struct {
	exec *async.Executor
	res  *resolve.Resolver
}

func newLocal(t *testing.T) *local {
	t.Helper()
	store := async.NewStore("n1")
	x := async.NewExecutor(store, async.ExecutorOptions{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = x.Close(ctx)
	})
	return &local{exec: x, res: resolve.New(resolve.Options{Store: store, WaitForeverCap: 2 * time.Second})}
}

// gated devuelve un trabajo que termina con v cuando se cierra el canal.
func gated(v any) (async.UnitOfWork, chan struct{}) {
	release := make(chan struct{})
	return func(ctx context.Context) (any, error) {
		select {
		case <-release:
			return v, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, release
}

func TestGetOrWait_InProgressThenResultThenNotFound(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()
	work, release := gated("R")
	id, err := l.exec.Start(work, async.Metadata{Kind: "script"})
	require.NoError(t, err)

	out := l.res.GetOrWait(ctx, resolve.Query{AsyncID: id})
	assert.Equal(t, resolve.StatusInProgress, out.Status)

	close(release)
	_, err = l.exec.Store().Wait(ctx, id)
	require.NoError(t, err)

	out = l.res.GetOrWait(ctx, resolve.Query{AsyncID: id})
	assert.Equal(t, resolve.StatusResult, out.Status)
	assert.Equal(t, "R", out.Value)
	assert.Equal(t, "n1", out.NodeID)

	out = l.res.GetOrWait(ctx, resolve.Query{AsyncID: id})
	assert.Equal(t, resolve.StatusNotFound, out.Status)
}

func TestGetOrWait_KeepIsIdempotent(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()
	id, err := l.exec.Start(func(context.Context) (any, error) { return 42, nil }, async.Metadata{})
	require.NoError(t, err)
	_, err = l.exec.Store().Wait(ctx, id)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		out := l.res.GetOrWait(ctx, resolve.Query{AsyncID: id, Keep: true})
		assert.Equal(t, resolve.StatusResult, out.Status)
		assert.Equal(t, 42, out.Value)
	}
}

func TestGetOrWait_CancelIsSticky(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()
	work, _ := gated("never")
	id, err := l.exec.Start(work, async.Metadata{})
	require.NoError(t, err)

	out := l.res.GetOrWait(ctx, resolve.Query{AsyncID: id, Cancel: true})
	assert.Equal(t, resolve.StatusCanceled, out.Status)

	for i := 0; i < 3; i++ {
		out = l.res.GetOrWait(ctx, resolve.Query{AsyncID: id})
		assert.Equal(t, resolve.StatusCanceled, out.Status)
	}
}

func TestGetOrWait_DelayMaxTimesOutWithoutChangingState(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()
	work, release := gated("late")
	defer close(release)
	id, err := l.exec.Start(work, async.Metadata{})
	require.NoError(t, err)

	start := time.Now()
	out := l.res.GetOrWait(ctx, resolve.Query{AsyncID: id, DelayMax: ptr(80), DelayUnit: "ms"})
	assert.Equal(t, resolve.StatusTimedOut, out.Status)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	got, ok := l.exec.Get(id)
	require.True(t, ok)
	assert.Equal(t, async.StatusPending, got.Status)
}

func TestGetOrWait_DelayMaxReturnsResult(t *testing.T) {
	l := newLocal(t)
	work, release := gated("soon")
	id, err := l.exec.Start(work, async.Metadata{})
	require.NoError(t, err)
	time.AfterFunc(30*time.Millisecond, func() { close(release) })

	out := l.res.GetOrWait(context.Background(), resolve.Query{AsyncID: id, DelayMax: ptr(1), DelayUnit: "SECONDS"})
	assert.Equal(t, resolve.StatusResult, out.Status)
	assert.Equal(t, "soon", out.Value)
}

func TestGetOrWait_WaitIsCapped(t *testing.T) {
	store := async.NewStore("n1")
	require.NoError(t, store.Register("op", async.Metadata{}, nil))
	r := resolve.New(resolve.Options{Store: store, WaitForeverCap: 100 * time.Millisecond})

	start := time.Now()
	out := r.GetOrWait(context.Background(), resolve.Query{AsyncID: "op", Wait: true})
	assert.Equal(t, resolve.StatusTimedOut, out.Status)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGetOrWait_FailedWorkIsAResult(t *testing.T) {
	l := newLocal(t)
	id, err := l.exec.Start(func(context.Context) (any, error) { return nil, errors.New("boom") }, async.Metadata{})
	require.NoError(t, err)

	out := l.res.GetOrWait(context.Background(), resolve.Query{AsyncID: id, Wait: true})
	assert.Equal(t, resolve.StatusResult, out.Status)
	assert.Equal(t, "boom", out.Err)
}

func TestGetOrWait_WorkTimeoutIsTimedOut(t *testing.T) {
	l := newLocal(t)
	work, release := gated("x")
	defer close(release)
	id, err := l.exec.Start(work, async.Metadata{Timeout: 30 * time.Millisecond})
	require.NoError(t, err)

	out := l.res.GetOrWait(context.Background(), resolve.Query{AsyncID: id, Wait: true})
	assert.Equal(t, resolve.StatusTimedOut, out.Status)
	// persiste: no se consume
	out = l.res.GetOrWait(context.Background(), resolve.Query{AsyncID: id})
	assert.Equal(t, resolve.StatusTimedOut, out.Status)
}

func TestGetOrWait_Unknown(t *testing.T) {
	l := newLocal(t)
	assert.Equal(t, resolve.StatusNotFound, l.res.GetOrWait(context.Background(), resolve.Query{AsyncID: "missing"}).Status)
	assert.Equal(t, resolve.StatusNotFound, l.res.GetOrWait(context.Background(), resolve.Query{}).Status)
	assert.False(t, l.res.Clustered())
}

func TestParseDelayUnit(t *testing.T) {
	cases := map[string]time.Duration{
		"":             time.Second,
		"s":            time.Second,
		"SECONDS":      time.Second,
		"ms":           time.Millisecond,
		"MILLISECONDS": time.Millisecond,
		"m":            time.Minute,
		"MINUTES":      time.Minute,
		"h":            time.Hour,
		"HOURS":        time.Hour,
	}
	for in, want := range cases {
		got, err := resolve.ParseDelayUnit(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := resolve.ParseDelayUnit("fortnights")
	require.ErrorIs(t, err, resolve.ErrBadDelayUnit)

	require.Error(t, resolve.Query{DelayMax: ptr(-1)}.Validate())
	require.Error(t, resolve.Query{DelayUnit: "x"}.Validate())
	require.NoError(t, resolve.Query{DelayMax: ptr(3), DelayUnit: "m"}.Validate())
}

// ─── Cluster ───

type clusterNode struct {
	exec *async.Executor
	res  *resolve.Resolver
}

func startClusterNode(t *testing.T, hub *memory.Hub, id string) *clusterNode {
	t.Helper()
	store := async.NewStore(id)
	x := async.NewExecutor(store, async.ExecutorOptions{})
	b, err := bus.New(bus.Options{NodeID: id, Transport: hub.Transport()})
	require.NoError(t, err)
	res := resolve.New(resolve.Options{
		Store:           store,
		Bus:             b,
		WaitForeverCap:  3 * time.Second,
		InterNodeMargin: 300 * time.Millisecond,
	})
	rt, err := router.New(router.Options{NodeID: id}, router.Deps{Results: res, Store: store, Bus: b})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background(), rt.Dispatch))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Close()
		_ = rt.Close(ctx)
		_ = x.Close(ctx)
	})
	return &clusterNode{exec: x, res: res}
}

func TestGetOrWaitForResult_RemoteWaitReturnsResult(t *testing.T) {
	hub := memory.NewHub()
	n1 := startClusterNode(t, hub, "n1")
	n2 := startClusterNode(t, hub, "n2")

	work, release := gated("R")
	id, err := n2.exec.Start(work, async.Metadata{Kind: "script"})
	require.NoError(t, err)
	time.AfterFunc(100*time.Millisecond, func() { close(release) })

	start := time.Now()
	out := n1.res.GetOrWaitForResult(context.Background(), resolve.Query{AsyncID: id, Wait: true})
	require.Equal(t, resolve.StatusResult, out.Status)
	assert.Equal(t, "n2", out.NodeID)
	assert.JSONEq(t, `"R"`, string(out.Value.(json.RawMessage)))
	assert.Less(t, time.Since(start), 3*time.Second)

	// consumido en n2 (keep=false)
	_, ok := n2.exec.Get(id)
	assert.False(t, ok)
}

func TestGetOrWaitForResult_RemoteInProgressAndCancel(t *testing.T) {
	hub := memory.NewHub()
	n1 := startClusterNode(t, hub, "n1")
	n2 := startClusterNode(t, hub, "n2")

	work, _ := gated("never")
	id, err := n2.exec.Start(work, async.Metadata{})
	require.NoError(t, err)

	out := n1.res.GetOrWaitForResult(context.Background(), resolve.Query{AsyncID: id})
	assert.Equal(t, resolve.StatusInProgress, out.Status)

	out = n1.res.GetOrWaitForResult(context.Background(), resolve.Query{AsyncID: id, Cancel: true})
	assert.Equal(t, resolve.StatusCanceled, out.Status)

	got, ok := n2.exec.Get(id)
	require.True(t, ok)
	assert.Equal(t, async.StatusCanceled, got.Status)
}

func TestGetOrWaitForResult_UnknownEverywhereEndsEarly(t *testing.T) {
	hub := memory.NewHub()
	n1 := startClusterNode(t, hub, "n1")
	_ = startClusterNode(t, hub, "n2")
	_ = startClusterNode(t, hub, "n3")

	start := time.Now()
	out := n1.res.GetOrWaitForResult(context.Background(), resolve.Query{AsyncID: "ghost", Wait: true})
	assert.Equal(t, resolve.StatusNotFound, out.Status)
	assert.Less(t, time.Since(start), time.Second)
}

func concurrentLookups(t *testing.T, keep bool) []resolve.Outcome {
	t.Helper()
	hub := memory.NewHub()
	n1 := startClusterNode(t, hub, "n1")
	n2 := startClusterNode(t, hub, "n2")

	work, release := gated("shared")
	id, err := n2.exec.Start(work, async.Metadata{})
	require.NoError(t, err)
	time.AfterFunc(100*time.Millisecond, func() { close(release) })

	var wg sync.WaitGroup
	outs := make([]resolve.Outcome, 4)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i] = n1.res.GetOrWaitForResult(context.Background(), resolve.Query{AsyncID: id, Wait: true, Keep: keep})
		}(i)
	}
	wg.Wait()
	return outs
}

func countStatus(outs []resolve.Outcome, st resolve.Status) int {
	n := 0
	for _, o := range outs {
		if o.Status == st {
			n++
		}
	}
	return n
}

func TestGetOrWaitForResult_ConcurrentConsumeReachesOneCaller(t *testing.T) {
	outs := concurrentLookups(t, false)
	assert.Equal(t, 1, countStatus(outs, resolve.StatusResult))
	assert.Equal(t, 3, countStatus(outs, resolve.StatusNotFound))
}

func TestGetOrWaitForResult_ConcurrentKeepQueriesShareResult(t *testing.T) {
	outs := concurrentLookups(t, true)
	assert.Equal(t, 4, countStatus(outs, resolve.StatusResult))
}
