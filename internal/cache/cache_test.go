package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	c := NewMemory("t", time.Minute)

	_, err := c.Get(ctx, "a")
	require.True(t, IsNotFound(err))

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	b, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", string(b))

	require.NoError(t, c.Delete(ctx, "a"))
	_, err = c.Get(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "memory", st.Driver)
	assert.EqualValues(t, 1, st.Hits)
	assert.EqualValues(t, 2, st.Misses)
}

func TestMemory_TTL(t *testing.T) {
	ctx := context.Background()
	c := NewMemory("", 0)
	require.NoError(t, c.Set(ctx, "short", []byte("x"), 20*time.Millisecond))
	require.NoError(t, c.Set(ctx, "forever", []byte("y"), -1))

	time.Sleep(40 * time.Millisecond)
	_, err := c.Get(ctx, "short")
	assert.True(t, IsNotFound(err))
	_, err = c.Get(ctx, "forever")
	assert.NoError(t, err)
}

func TestNew_DefaultsToMemory(t *testing.T) {
	c, err := New(context.Background(), Config{Driver: "", Prefix: "p"})
	require.NoError(t, err)
	require.NoError(t, c.Ping(context.Background()))
	st, _ := c.Stats(context.Background())
	assert.Equal(t, "memory", st.Driver)
}

func TestEntities_ReadThroughAndRefresh(t *testing.T) {
	ctx := context.Background()
	var loads atomic.Int32
	version := atomic.Value{}
	version.Store("v1")
	deleted := atomic.Bool{}

	e := NewEntities("script", NewMemory("", time.Minute), func(_ context.Context, key string) ([]byte, error) {
		loads.Add(1)
		if deleted.Load() {
			return nil, ErrNotFound
		}
		return []byte(key + "@" + version.Load().(string)), nil
	}, 0)

	b, err := e.Get(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello@v1", string(b))

	b, err = e.Get(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello@v1", string(b))
	assert.EqualValues(t, 1, loads.Load())

	version.Store("v2")
	require.NoError(t, e.Refresh(ctx, "hello"))
	b, _ = e.Get(ctx, "hello")
	assert.Equal(t, "hello@v2", string(b))

	require.NoError(t, e.Invalidate(ctx, "hello"))
	_, _ = e.Get(ctx, "hello")
	assert.EqualValues(t, 3, loads.Load())

	deleted.Store(true)
	require.NoError(t, e.Refresh(ctx, "hello"))
	_, err = e.Get(ctx, "hello")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEntities_ConcurrentLoadsCollapse(t *testing.T) {
	var loads atomic.Int32
	gate := make(chan struct{})
	e := NewEntities("endpoint", NewMemory("", time.Minute), func(context.Context, string) ([]byte, error) {
		loads.Add(1)
		<-gate
		return []byte("x"), nil
	}, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Get(context.Background(), "ep")
		}()
	}
	time.Sleep(30 * time.Millisecond)
	close(gate)
	wg.Wait()
	assert.EqualValues(t, 1, loads.Load())
}

func TestEntities_LoaderError(t *testing.T) {
	boom := errors.New("db down")
	e := NewEntities("cft", NewMemory("", time.Minute), func(context.Context, string) ([]byte, error) {
		return nil, boom
	}, 0)
	_, err := e.Get(context.Background(), "a")
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, e.Refresh(context.Background(), "a"), boom)
}

func TestEntities_WithoutLoader(t *testing.T) {
	ctx := context.Background()
	e := NewEntities("cet", NewMemory("", time.Minute), nil, 0)
	require.NoError(t, e.Put(ctx, "a", []byte("1")))
	b, err := e.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", string(b))

	require.NoError(t, e.Refresh(ctx, "a"))
	_, err = e.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}
