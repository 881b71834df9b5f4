// Package health contiene el controller para health checks.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	httperrors "github.com/dropDatabas3/nodebus/internal/http/errors"
	"github.com/dropDatabas3/nodebus/internal/observability/logger"
)

// Check es un chequeo de componente. Critical=true deja el nodo unavailable
// si falla; si no, solo degraded.
type Check struct {
	Name     string
	Critical bool
	Fn       func(ctx context.Context) error
}

// Deps configura el controller.
type Deps struct {
	NodeID      string
	ClusterMode string
	Checks      []Check
	// Pending devuelve cuántas operaciones hay en el store local.
	Pending func() int
	Timeout time.Duration
}

// ComponentStatus es el estado de un componente.
type ComponentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response es la respuesta de /readyz.
type Response struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version,omitempty"`
	Commit     string                     `json:"commit,omitempty"`
	Components map[string]ComponentStatus `json:"components"`
	Cluster    map[string]any             `json:"cluster"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// HealthController maneja las rutas de health check.
type HealthController struct {
	deps Deps
}

// NewHealthController crea un nuevo controller de health check.
func NewHealthController(deps Deps) *HealthController {
	if deps.Timeout <= 0 {
		deps.Timeout = 2 * time.Second
	}
	return &HealthController{deps: deps}
}

// Healthz maneja GET /healthz (liveness, sin chequeos).
func (c *HealthController) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Readyz maneja GET /readyz
func (c *HealthController) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("HealthController.Readyz"))

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		httperrors.WriteError(w, httperrors.ErrMethodNotAllowed)
		return
	}

	response := c.check(ctx)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if response.Version != "" {
		w.Header().Set("X-Service-Version", response.Version)
	}
	w.Header().Set("X-Node-ID", c.deps.NodeID)

	statusCode := http.StatusOK
	if response.Status == "unavailable" {
		statusCode = http.StatusServiceUnavailable
	}

	log.Debug("health check completed",
		logger.String("status", response.Status),
		logger.Int("components_count", len(response.Components)),
	)

	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

func (c *HealthController) check(ctx context.Context) Response {
	log := logger.From(ctx)
	response := Response{
		Version:    os.Getenv("SERVICE_VERSION"),
		Commit:     os.Getenv("SERVICE_COMMIT"),
		Components: make(map[string]ComponentStatus, len(c.deps.Checks)),
		Timestamp:  time.Now().UTC(),
	}

	hasErrors, hasCriticalErrors := false, false
	for _, chk := range c.deps.Checks {
		if chk.Fn == nil {
			response.Components[chk.Name] = ComponentStatus{Status: "disabled"}
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, c.deps.Timeout)
		err := chk.Fn(cctx)
		cancel()
		if err != nil {
			response.Components[chk.Name] = ComponentStatus{
				Status:  "error",
				Message: fmt.Sprintf("unavailable: %v", err),
			}
			if chk.Critical {
				hasCriticalErrors = true
			} else {
				hasErrors = true
			}
			log.Error("component unavailable", logger.Component(chk.Name), logger.Err(err))
			continue
		}
		response.Components[chk.Name] = ComponentStatus{Status: "ok"}
	}

	response.Cluster = map[string]any{
		"node_id": c.deps.NodeID,
		"mode":    c.deps.ClusterMode,
	}
	if c.deps.Pending != nil {
		response.Cluster["pending_results"] = c.deps.Pending()
	}

	switch {
	case hasCriticalErrors:
		response.Status = "unavailable"
	case hasErrors:
		response.Status = "degraded"
	default:
		response.Status = "ready"
	}
	return response
}
