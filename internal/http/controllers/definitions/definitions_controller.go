// Package definitions expone el CRUD de definiciones cacheadas por los nodos.
package definitions

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/dropDatabas3/nodebus/internal/cache"
	"github.com/dropDatabas3/nodebus/internal/cluster/event"
	httperrors "github.com/dropDatabas3/nodebus/internal/http/errors"
	"github.com/dropDatabas3/nodebus/internal/observability/logger"
	defstore "github.com/dropDatabas3/nodebus/internal/store/definitions"
	"github.com/go-chi/chi/v5"
)

// Repo es el lado de escritura.
type Repo interface {
	Save(ctx context.Context, kind event.Kind, code string, body []byte) (bool, error)
	Delete(ctx context.Context, kind event.Kind, code string) error
}

// Controller maneja /v1/definitions/{kind}/{code}. Las lecturas pasan por el
// cache del nodo; las escrituras van al repo, que avisa al resto del cluster.
type Controller struct {
	repo   Repo
	caches map[event.Kind]*cache.Entities
}

// NewController crea el controller.
func NewController(repo Repo, caches map[event.Kind]*cache.Entities) *Controller {
	return &Controller{repo: repo, caches: caches}
}

func params(r *http.Request) (event.Kind, string, error) {
	kind := event.Kind(chi.URLParam(r, "kind"))
	if !defstore.KnownKind(kind) {
		return "", "", httperrors.ErrInvalidParameter.WithDetail("unknown kind " + string(kind))
	}
	return kind, chi.URLParam(r, "code"), nil
}

// Get maneja GET /v1/definitions/{kind}/{code}
func (c *Controller) Get(w http.ResponseWriter, r *http.Request) {
	kind, code, err := params(r)
	if err != nil {
		httperrors.WriteError(w, err)
		return
	}
	ents, ok := c.caches[kind]
	if !ok {
		httperrors.WriteError(w, httperrors.ErrDefinitionNotFound.WithDetail(string(kind)))
		return
	}
	body, err := ents.Get(r.Context(), code)
	switch {
	case cache.IsNotFound(err):
		httperrors.WriteError(w, httperrors.ErrDefinitionNotFound.WithDetail(code))
		return
	case err != nil:
		httperrors.WriteError(w, httperrors.ErrServiceUnavailable.WithCause(err))
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// Put maneja PUT /v1/definitions/{kind}/{code}
func (c *Controller) Put(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("DefinitionsController.Put"))

	kind, code, err := params(r)
	if err != nil {
		httperrors.WriteError(w, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil || !json.Valid(body) {
		httperrors.WriteError(w, httperrors.ErrInvalidJSON)
		return
	}

	created, err := c.repo.Save(ctx, kind, code, body)
	if err != nil {
		if errors.Is(err, defstore.ErrEmptyCode) {
			httperrors.WriteError(w, httperrors.ErrInvalidParameter.WithDetail(err.Error()))
			return
		}
		log.Error("save definition failed", logger.EventKind(string(kind)), logger.Key(code), logger.Err(err))
		httperrors.WriteError(w, httperrors.ErrServiceUnavailable.WithCause(err))
		return
	}
	// el nodo que escribe no procesa su propio evento de update
	if ents, ok := c.caches[kind]; ok {
		if err := ents.Put(ctx, code, body); err != nil {
			log.Warn("local cache update failed", logger.Key(code), logger.Err(err))
		}
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Delete maneja DELETE /v1/definitions/{kind}/{code}
func (c *Controller) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("DefinitionsController.Delete"))

	kind, code, err := params(r)
	if err != nil {
		httperrors.WriteError(w, err)
		return
	}
	err = c.repo.Delete(ctx, kind, code)
	switch {
	case errors.Is(err, defstore.ErrNotFound):
		httperrors.WriteError(w, httperrors.ErrDefinitionNotFound.WithDetail(code))
		return
	case err != nil:
		log.Error("delete definition failed", logger.EventKind(string(kind)), logger.Key(code), logger.Err(err))
		httperrors.WriteError(w, httperrors.ErrServiceUnavailable.WithCause(err))
		return
	}
	if ents, ok := c.caches[kind]; ok {
		_ = ents.Invalidate(ctx, code)
	}
	w.WriteHeader(http.StatusNoContent)
}
