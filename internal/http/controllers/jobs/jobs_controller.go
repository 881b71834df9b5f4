// Package jobs expone por HTTP el control de jobs: arrancarlos (con o sin
// workers en el resto del cluster), frenarlos, avisar el fin de los datos y
// esperar su finalización.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dropDatabas3/nodebus/internal/cluster/router"
	httperrors "github.com/dropDatabas3/nodebus/internal/http/errors"
	"github.com/dropDatabas3/nodebus/internal/observability/logger"
	"github.com/dropDatabas3/nodebus/internal/tasks"
	"github.com/go-chi/chi/v5"
)

const (
	defaultWait = 30 * time.Second
	maxWait     = 10 * time.Minute
)

// Runner es el runner de jobs del nodo.
type Runner interface {
	Launch(ctx context.Context, t router.Target, workers bool) (tasks.JobStarted, error)
	Kill(ctx context.Context, t router.Target, force bool) error
	DataComplete(ctx context.Context, t router.Target) error
	Running(key string) (string, bool)
	WaitCompletion(ctx context.Context, key string) error
}

// Controller maneja /v1/jobs.
type Controller struct {
	nodeID string
	jobs   Runner
}

// NewController crea el controller.
func NewController(nodeID string, jobs Runner) *Controller {
	return &Controller{nodeID: nodeID, jobs: jobs}
}

// StartRequest es el cuerpo (opcional) de POST /v1/jobs/{code}.
type StartRequest struct {
	Payload map[string]any `json:"payload,omitempty"`
	Workers bool           `json:"workers,omitempty"`
}

// StatusResponse describe el job en este nodo.
type StatusResponse struct {
	Code    string `json:"code"`
	Running bool   `json:"running"`
	AsyncID string `json:"asyncId,omitempty"`
	NodeID  string `json:"nodeId"`
}

// CompletionResponse es la respuesta de la espera de fin.
type CompletionResponse struct {
	Code      string `json:"code"`
	Completed bool   `json:"completed"`
}

func (c *Controller) target(r *http.Request) router.Target {
	return router.Target{
		Code:       strings.TrimSpace(chi.URLParam(r, "code")),
		Launcher:   "API",
		SourceNode: c.nodeID,
	}
}

// Start maneja POST /v1/jobs/{code}
func (c *Controller) Start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("JobsController.Start"))

	var req StartRequest
	// cuerpo vacío = sin payload ni workers
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httperrors.WriteError(w, httperrors.ErrInvalidJSON.WithCause(err))
		return
	}
	t := c.target(r)
	t.Info = req.Payload

	started, err := c.jobs.Launch(ctx, t, req.Workers)
	switch {
	case errors.Is(err, tasks.ErrUnknownFunction):
		httperrors.WriteError(w, httperrors.ErrFunctionNotFound.WithDetail(t.Code))
		return
	case errors.Is(err, router.ErrNoSubject):
		httperrors.WriteError(w, httperrors.ErrBadRequest.WithDetail("code is required"))
		return
	case err != nil:
		log.Error("job start failed", logger.Key(t.Code), logger.Err(err))
		httperrors.WriteError(w, httperrors.ErrServiceUnavailable.WithCause(err))
		return
	}

	log.Info("job launched", logger.Key(t.Code), logger.AsyncID(started.AsyncID),
		logger.Bool("workers", req.Workers), logger.Bool("already_running", started.AlreadyRunning))
	w.Header().Set("Location", "/v1/executions/"+started.AsyncID)
	writeJSON(w, http.StatusAccepted, started)
}

// Status maneja GET /v1/jobs/{code}
func (c *Controller) Status(w http.ResponseWriter, r *http.Request) {
	code := c.target(r).Code
	id, ok := c.jobs.Running(code)
	writeJSON(w, http.StatusOK, StatusResponse{Code: code, Running: ok, AsyncID: id, NodeID: c.nodeID})
}

// Stop maneja DELETE /v1/jobs/{code}?force=true
func (c *Controller) Stop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("JobsController.Stop"))

	force := false
	if s := r.URL.Query().Get("force"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			httperrors.WriteError(w, httperrors.ErrInvalidParameter.WithDetail("force must be a boolean"))
			return
		}
		force = v
	}
	t := c.target(r)
	if err := c.jobs.Kill(ctx, t, force); err != nil {
		log.Error("job stop failed", logger.Key(t.Code), logger.Err(err))
		httperrors.WriteError(w, httperrors.FromError(err))
		return
	}
	log.Info("job stopped", logger.Key(t.Code), logger.Bool("force", force))
	w.WriteHeader(http.StatusNoContent)
}

// DataComplete maneja POST /v1/jobs/{code}/data-complete
func (c *Controller) DataComplete(w http.ResponseWriter, r *http.Request) {
	t := c.target(r)
	if err := c.jobs.DataComplete(r.Context(), t); err != nil {
		httperrors.WriteError(w, httperrors.FromError(err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Completion maneja GET /v1/jobs/{code}/completion?timeoutMs=N: espera la
// próxima finalización del job en el cluster.
func (c *Controller) Completion(w http.ResponseWriter, r *http.Request) {
	wait := defaultWait
	if s := r.URL.Query().Get("timeoutMs"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 {
			httperrors.WriteError(w, httperrors.ErrInvalidParameter.WithDetail("timeoutMs must be a positive integer"))
			return
		}
		wait = min(time.Duration(n)*time.Millisecond, maxWait)
	}
	code := c.target(r).Code

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	if err := c.jobs.WaitCompletion(ctx, code); err != nil {
		writeJSON(w, http.StatusGatewayTimeout, CompletionResponse{Code: code})
		return
	}
	writeJSON(w, http.StatusOK, CompletionResponse{Code: code, Completed: true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
