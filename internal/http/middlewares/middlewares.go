// Package middlewares agrupa los middlewares HTTP del nodo.
package middlewares

import (
	"net/http"
	"time"

	"github.com/dropDatabas3/nodebus/internal/http/errors"
	"github.com/dropDatabas3/nodebus/internal/observability/logger"
	"github.com/go-chi/chi/v5/middleware"
)

// Middleware es la firma estándar.
type Middleware func(http.Handler) http.Handler

// WithRecover captura panics y devuelve un error 500 en lugar de crashear.
func WithRecover() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.From(r.Context()).Error("panic recovered",
						logger.Op("recover"),
						logger.Any("panic", rec),
					)
					errors.WriteError(w, errors.ErrInternalServerError.WithDetail("panic recovered"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// WithLogging inyecta un logger con request id, método y path en el
// contexto y loguea el resultado. Va después de middleware.RequestID.
func WithLogging() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			log := logger.L().With(
				logger.RequestID(middleware.GetReqID(r.Context())),
				logger.Method(r.Method),
				logger.Path(r.URL.Path),
			)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(logger.ToContext(r.Context(), log)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status >= 500 {
				log.Warn("request failed", logger.Status(status), logger.Duration(time.Since(start)))
				return
			}
			log.Debug("request served", logger.Status(status), logger.Duration(time.Since(start)))
		})
	}
}
