package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readyz(t *testing.T, deps Deps) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	rec := httptest.NewRecorder()
	NewHealthController(deps).Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func ok(context.Context) error   { return nil }
func fail(context.Context) error { return errors.New("down") }

func TestReadyz_Ready(t *testing.T) {
	rec, body := readyz(t, Deps{
		NodeID:      "n1",
		ClusterMode: "redis",
		Checks:      []Check{{Name: "bus", Critical: true, Fn: ok}, {Name: "cache", Fn: nil}},
		Pending:     func() int { return 2 },
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "n1", rec.Header().Get("X-Node-ID"))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "ok", body.Components["bus"].Status)
	assert.Equal(t, "disabled", body.Components["cache"].Status)
	assert.Equal(t, "redis", body.Cluster["mode"])
	assert.EqualValues(t, 2, body.Cluster["pending_results"])
}

func TestReadyz_Degraded(t *testing.T) {
	rec, body := readyz(t, Deps{Checks: []Check{{Name: "bus", Critical: true, Fn: ok}, {Name: "cache", Fn: fail}}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "error", body.Components["cache"].Status)
}

func TestReadyz_Unavailable(t *testing.T) {
	rec, body := readyz(t, Deps{Checks: []Check{{Name: "bus", Critical: true, Fn: fail}}})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", body.Status)
}

func TestReadyz_MethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthController(Deps{}).Readyz(rec, httptest.NewRequest(http.MethodPost, "/readyz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET", rec.Header().Get("Allow"))
}
