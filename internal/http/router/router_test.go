package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dropDatabas3/nodebus/internal/async"
	"github.com/dropDatabas3/nodebus/internal/http/controllers/executions"
	"github.com/dropDatabas3/nodebus/internal/http/controllers/health"
	"github.com/dropDatabas3/nodebus/internal/resolve"
	"github.com/dropDatabas3/nodebus/internal/tasks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) (*httptest.Server, *async.Store) {
	t.Helper()
	store := async.NewStore("n1")
	x := async.NewExecutor(store, async.ExecutorOptions{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = x.Close(ctx)
	})
	funcs := tasks.NewRegistry()
	tasks.Builtins(funcs, "n1")

	h := New(Deps{
		Executions: executions.NewController(executions.Deps{
			NodeID:   "n1",
			Resolver: resolve.New(resolve.Options{Store: store, WaitForeverCap: 2 * time.Second}),
			Launcher: tasks.NewLauncher(x, funcs),
			Catalog:  funcs,
			Results:  store,
		}),
		Health:   health.NewHealthController(health.Deps{NodeID: "n1", ClusterMode: "off", Pending: store.Len}),
		Gatherer: prometheus.NewRegistry(),
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, store
}

func TestLaunchThenWaitForResult(t *testing.T) {
	srv, store := newServer(t)

	resp, err := http.Post(srv.URL+"/v1/executions", "application/json", strings.NewReader(`{"code":"echo","payload":{"x":"y"}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var launched executions.LaunchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&launched))
	require.NotEmpty(t, launched.AsyncID)

	got, err := http.Get(srv.URL + "/v1/executions/" + launched.AsyncID + "?wait=true")
	require.NoError(t, err)
	defer got.Body.Close()
	require.Equal(t, http.StatusOK, got.StatusCode)

	var out struct {
		Status string         `json:"status"`
		Value  map[string]any `json:"value"`
	}
	require.NoError(t, json.NewDecoder(got.Body).Decode(&out))
	assert.Equal(t, "result", out.Status)
	assert.Equal(t, "n1", out.Value["node"])
	assert.Equal(t, map[string]any{"x": "y"}, out.Value["payload"])

	// sin keep el resultado se consumió
	assert.Equal(t, 0, store.Len())
	again, err := http.Get(srv.URL + "/v1/executions/" + launched.AsyncID)
	require.NoError(t, err)
	defer again.Body.Close()
	assert.Equal(t, http.StatusNotFound, again.StatusCode)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	srv, _ := newServer(t)

	resp, err := http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ROUTE_NOT_FOUND", body["code"])

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/executions", nil)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp2.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newServer(t)

	for _, p := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + p)
		require.NoError(t, err, p)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, p)
	}
}
