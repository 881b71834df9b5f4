// Package executions expone por HTTP las ejecuciones asíncronas: lanzarlas,
// consultar su resultado en cualquier nodo del cluster y limpiar resultados.
package executions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dropDatabas3/nodebus/internal/cluster/event"
	"github.com/dropDatabas3/nodebus/internal/cluster/router"
	httperrors "github.com/dropDatabas3/nodebus/internal/http/errors"
	"github.com/dropDatabas3/nodebus/internal/observability/logger"
	"github.com/dropDatabas3/nodebus/internal/resolve"
	"github.com/go-chi/chi/v5"
)

// Resolver resuelve una consulta local y, si hace falta, en el cluster.
type Resolver interface {
	GetOrWaitForResult(ctx context.Context, q resolve.Query) resolve.Outcome
}

// Launcher arranca una ejecución y devuelve su OperationId.
type Launcher interface {
	Launch(ctx context.Context, kind event.Kind, t router.Target, timeout time.Duration) (string, error)
}

// Catalog dice si un código es ejecutable en este nodo.
type Catalog interface {
	Has(code string) bool
}

// Clearer vacía el store local de resultados.
type Clearer interface {
	Clear() int
}

// Publisher difunde eventos al resto del cluster.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event)
}

// Deps agrupa lo que usa el controller. Publisher nil = nodo standalone.
type Deps struct {
	NodeID    string
	Resolver  Resolver
	Launcher  Launcher
	Catalog   Catalog
	Results   Clearer
	Publisher Publisher
}

// Controller maneja /v1/executions y /v1/admin/results.
type Controller struct {
	deps Deps
}

// NewController crea el controller.
func NewController(deps Deps) *Controller {
	return &Controller{deps: deps}
}

// LaunchRequest es el cuerpo de POST /v1/executions.
type LaunchRequest struct {
	Kind      string         `json:"kind,omitempty"`
	ID        *int64         `json:"id,omitempty"`
	Code      string         `json:"code,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	TimeoutMs int64          `json:"timeoutMs,omitempty"`
}

// LaunchResponse devuelve el OperationId para consultar después.
type LaunchResponse struct {
	AsyncID string `json:"asyncId"`
	NodeID  string `json:"nodeId"`
}

// ClearResponse es la respuesta de POST /v1/admin/results/clear.
type ClearResponse struct {
	Cleared   int  `json:"cleared"`
	Broadcast bool `json:"broadcast"`
}

// Get maneja GET /v1/executions/{asyncId}
func (c *Controller) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("ExecutionsController.Get"))

	q, err := queryFromRequest(r)
	if err != nil {
		httperrors.WriteError(w, httperrors.ErrInvalidParameter.WithDetail(err.Error()))
		return
	}

	out := c.deps.Resolver.GetOrWaitForResult(ctx, q)
	log.Debug("execution result resolved",
		logger.AsyncID(q.AsyncID),
		logger.String("status", out.Status.String()),
		logger.SourceNode(out.NodeID),
	)

	switch out.Status {
	case resolve.StatusNotFound:
		httperrors.WriteError(w, httperrors.ErrExecutionNotFound.WithDetail(q.AsyncID))
	case resolve.StatusResult:
		writeJSON(w, http.StatusOK, out)
	case resolve.StatusTimedOut:
		writeJSON(w, http.StatusGatewayTimeout, out)
	default: // in_progress, canceled
		writeJSON(w, http.StatusAccepted, out)
	}
}

// Launch maneja POST /v1/executions
func (c *Controller) Launch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("ExecutionsController.Launch"))

	var req LaunchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		httperrors.WriteError(w, httperrors.ErrInvalidJSON.WithCause(err))
		return
	}

	kind, err := parseKind(req.Kind)
	if err != nil {
		httperrors.WriteError(w, httperrors.ErrInvalidParameter.WithDetail(err.Error()))
		return
	}
	t := router.Target{
		ID:         req.ID,
		Code:       strings.TrimSpace(req.Code),
		Launcher:   "API",
		SourceNode: c.deps.NodeID,
		Info:       req.Payload,
	}
	if t.Key() == "" {
		httperrors.WriteError(w, httperrors.ErrBadRequest.WithDetail("id or code is required"))
		return
	}
	if c.deps.Catalog != nil && !c.deps.Catalog.Has(t.Key()) {
		httperrors.WriteError(w, httperrors.ErrFunctionNotFound.WithDetail(t.Key()))
		return
	}
	if req.TimeoutMs < 0 {
		httperrors.WriteError(w, httperrors.ErrInvalidParameter.WithDetail("timeoutMs must be >= 0"))
		return
	}

	id, err := c.deps.Launcher.Launch(ctx, kind, t, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		log.Error("launch failed", logger.Key(t.Key()), logger.Err(err))
		httperrors.WriteError(w, httperrors.ErrServiceUnavailable.WithCause(err))
		return
	}

	log.Info("execution launched", logger.Key(t.Key()), logger.AsyncID(id), logger.EventKind(string(kind)))
	w.Header().Set("Location", "/v1/executions/"+id)
	writeJSON(w, http.StatusAccepted, LaunchResponse{AsyncID: id, NodeID: c.deps.NodeID})
}

// ClearResults maneja POST /v1/admin/results/clear
func (c *Controller) ClearResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("ExecutionsController.ClearResults"))

	n := c.deps.Results.Clear()
	resp := ClearResponse{Cleared: n}
	if c.deps.Publisher != nil {
		c.deps.Publisher.Publish(ctx, event.New(event.KindResultCache, event.ActionClearCache))
		resp.Broadcast = true
	}
	log.Info("results cleared", logger.Count(n), logger.Bool("broadcast", resp.Broadcast))
	writeJSON(w, http.StatusOK, resp)
}

func queryFromRequest(r *http.Request) (resolve.Query, error) {
	v := r.URL.Query()
	q := resolve.Query{
		AsyncID:   strings.TrimSpace(chi.URLParam(r, "asyncId")),
		DelayUnit: v.Get("delayUnit"),
	}
	var err error
	if q.Cancel, err = boolParam(v.Get("cancel")); err != nil {
		return q, err
	}
	if q.Keep, err = boolParam(v.Get("keep")); err != nil {
		return q, err
	}
	if q.Wait, err = boolParam(v.Get("wait")); err != nil {
		return q, err
	}
	if s := v.Get("delayMax"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return q, err
		}
		q.DelayMax = &n
	}
	return q, q.Validate()
}

func boolParam(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}

func parseKind(s string) (event.Kind, error) {
	switch event.Kind(s) {
	case "", event.KindFunctionExecution:
		return event.KindFunctionExecution, nil
	case event.KindScript:
		return event.KindScript, nil
	}
	return "", fmt.Errorf("unsupported kind %q", s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
