package definitions

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dropDatabas3/nodebus/internal/cache"
	"github.com/dropDatabas3/nodebus/internal/cluster/event"
	defstore "github.com/dropDatabas3/nodebus/internal/store/definitions"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRepo map[string][]byte

func (m memRepo) Save(_ context.Context, kind event.Kind, code string, body []byte) (bool, error) {
	if code == "" {
		return false, defstore.ErrEmptyCode
	}
	k := string(kind) + "/" + code
	_, existed := m[k]
	m[k] = body
	return !existed, nil
}

func (m memRepo) Delete(_ context.Context, kind event.Kind, code string) error {
	k := string(kind) + "/" + code
	if _, ok := m[k]; !ok {
		return fmt.Errorf("%w: %s", defstore.ErrNotFound, k)
	}
	delete(m, k)
	return nil
}

func (m memRepo) loader(kind event.Kind) cache.Loader {
	return func(_ context.Context, key string) ([]byte, error) {
		if b, ok := m[string(kind)+"/"+key]; ok {
			return b, nil
		}
		return nil, cache.ErrNotFound
	}
}

func setup() (http.Handler, memRepo) {
	repo := memRepo{}
	client := cache.NewMemory("t", 0)
	caches := map[event.Kind]*cache.Entities{
		event.KindEndpoint: cache.NewEntities("endpoint", client, repo.loader(event.KindEndpoint), 0),
	}
	c := NewController(repo, caches)
	r := chi.NewRouter()
	r.Get("/v1/definitions/{kind}/{code}", c.Get)
	r.Put("/v1/definitions/{kind}/{code}", c.Put)
	r.Delete("/v1/definitions/{kind}/{code}", c.Delete)
	return r, repo
}

func call(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestDefinitions_Lifecycle(t *testing.T) {
	h, repo := setup()
	const path = "/v1/definitions/Endpoint/orders"

	assert.Equal(t, http.StatusNotFound, call(h, http.MethodGet, path, "").Code)

	rec := call(h, http.MethodPut, path, `{"path":"/orders"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, http.StatusOK, call(h, http.MethodPut, path, `{"path":"/v2/orders"}`).Code)

	rec = call(h, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"path":"/v2/orders"}`, rec.Body.String())

	assert.Equal(t, http.StatusNoContent, call(h, http.MethodDelete, path, "").Code)
	assert.Empty(t, repo)
	assert.Equal(t, http.StatusNotFound, call(h, http.MethodGet, path, "").Code)
	assert.Equal(t, http.StatusNotFound, call(h, http.MethodDelete, path, "").Code)
}

func TestDefinitions_BadInput(t *testing.T) {
	h, _ := setup()
	assert.Equal(t, http.StatusBadRequest, call(h, http.MethodGet, "/v1/definitions/JobInstance/x", "").Code)
	assert.Equal(t, http.StatusBadRequest, call(h, http.MethodPut, "/v1/definitions/Endpoint/x", `{nope`).Code)
}
