package executions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dropDatabas3/nodebus/internal/cluster/event"
	"github.com/dropDatabas3/nodebus/internal/cluster/router"
	"github.com/dropDatabas3/nodebus/internal/resolve"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	got resolve.Query
	out resolve.Outcome
}

func (f *fakeResolver) GetOrWaitForResult(_ context.Context, q resolve.Query) resolve.Outcome {
	f.got = q
	return f.out
}

type fakeLauncher struct {
	kind    event.Kind
	target  router.Target
	timeout time.Duration
}

func (f *fakeLauncher) Launch(_ context.Context, kind event.Kind, t router.Target, timeout time.Duration) (string, error) {
	f.kind, f.target, f.timeout = kind, t, timeout
	return "op-1", nil
}

type fakeCatalog map[string]bool

func (f fakeCatalog) Has(code string) bool { return f[code] }

type fakeClearer struct{ n int }

func (f *fakeClearer) Clear() int { return f.n }

type fakePublisher struct {
	mu     sync.Mutex
	events []event.Event
}

func (f *fakePublisher) Publish(_ context.Context, ev event.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func mount(c *Controller) http.Handler {
	r := chi.NewRouter()
	r.Get("/v1/executions/{asyncId}", c.Get)
	r.Post("/v1/executions", c.Launch)
	r.Post("/v1/admin/results/clear", c.ClearResults)
	return r
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGet_StatusCodes(t *testing.T) {
	cases := []struct {
		name string
		out  resolve.Outcome
		code int
	}{
		{"result", resolve.Outcome{Status: resolve.StatusResult, Value: "R"}, http.StatusOK},
		{"in progress", resolve.Outcome{Status: resolve.StatusInProgress}, http.StatusAccepted},
		{"canceled", resolve.Outcome{Status: resolve.StatusCanceled}, http.StatusAccepted},
		{"timed out", resolve.Outcome{Status: resolve.StatusTimedOut}, http.StatusGatewayTimeout},
		{"not found", resolve.Outcome{Status: resolve.StatusNotFound}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := mount(NewController(Deps{Resolver: &fakeResolver{out: tc.out}}))
			rec := do(t, h, http.MethodGet, "/v1/executions/abc", "")
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestGet_ResultBody(t *testing.T) {
	res := &fakeResolver{out: resolve.Outcome{Status: resolve.StatusResult, Value: "R", NodeID: "n2"}}
	h := mount(NewController(Deps{Resolver: res}))

	rec := do(t, h, http.MethodGet, "/v1/executions/abc", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "result", body["status"])
	assert.Equal(t, "R", body["value"])
	assert.Equal(t, "n2", body["nodeId"])
}

func TestGet_ParsesQuery(t *testing.T) {
	res := &fakeResolver{out: resolve.Outcome{Status: resolve.StatusInProgress}}
	h := mount(NewController(Deps{Resolver: res}))

	rec := do(t, h, http.MethodGet, "/v1/executions/abc?cancel=true&keep=1&wait=false&delayMax=5&delayUnit=ms", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "abc", res.got.AsyncID)
	assert.True(t, res.got.Cancel)
	assert.True(t, res.got.Keep)
	assert.False(t, res.got.Wait)
	require.NotNil(t, res.got.DelayMax)
	assert.Equal(t, int64(5), *res.got.DelayMax)
	assert.Equal(t, "ms", res.got.DelayUnit)
}

func TestGet_BadParameters(t *testing.T) {
	h := mount(NewController(Deps{Resolver: &fakeResolver{}}))
	for _, q := range []string{"?cancel=maybe", "?delayMax=x", "?delayMax=-1", "?delayMax=1&delayUnit=weeks"} {
		rec := do(t, h, http.MethodGet, "/v1/executions/abc"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestLaunch(t *testing.T) {
	l := &fakeLauncher{}
	h := mount(NewController(Deps{NodeID: "n1", Launcher: l, Catalog: fakeCatalog{"echo": true}}))

	rec := do(t, h, http.MethodPost, "/v1/executions", `{"code":"echo","payload":{"a":1},"timeoutMs":250}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "/v1/executions/op-1", rec.Header().Get("Location"))

	var body LaunchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, LaunchResponse{AsyncID: "op-1", NodeID: "n1"}, body)

	assert.Equal(t, event.KindFunctionExecution, l.kind)
	assert.Equal(t, "echo", l.target.Code)
	assert.Equal(t, "API", l.target.Launcher)
	assert.Equal(t, 250*time.Millisecond, l.timeout)
}

func TestLaunch_Errors(t *testing.T) {
	h := mount(NewController(Deps{Launcher: &fakeLauncher{}, Catalog: fakeCatalog{"echo": true}}))

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/executions", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/executions", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/executions", `{"code":"echo","kind":"Endpoint"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/executions", `{"code":"echo","timeoutMs":-1}`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/v1/executions", `{"code":"nope"}`).Code)
}

func TestClearResults(t *testing.T) {
	pub := &fakePublisher{}
	h := mount(NewController(Deps{Results: &fakeClearer{n: 3}, Publisher: pub}))

	rec := do(t, h, http.MethodPost, "/v1/admin/results/clear", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body ClearResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ClearResponse{Cleared: 3, Broadcast: true}, body)

	require.Len(t, pub.events, 1)
	assert.Equal(t, event.KindResultCache, pub.events[0].Kind)
	assert.Equal(t, event.ActionClearCache, pub.events[0].Action)
}

func TestClearResults_Standalone(t *testing.T) {
	h := mount(NewController(Deps{Results: &fakeClearer{n: 0}}))
	rec := do(t, h, http.MethodPost, "/v1/admin/results/clear", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cleared":0,"broadcast":false}`, rec.Body.String())
}
