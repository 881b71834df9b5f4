package logger

import (
	"time"

	"go.uber.org/zap"
)

// ─── Cluster ───

// NodeID identifica al nodo local o al nodo origen de un evento.
func NodeID(v string) zap.Field { return zap.String("node_id", v) }

// SourceNode es el nodo que originó un evento recibido.
func SourceNode(v string) zap.Field { return zap.String("source_node", v) }

// EventKind es el className del evento (ScriptInstance, JobInstance, ...).
func EventKind(v string) zap.Field { return zap.String("event_kind", v) }

// Action es la acción del evento (create, update, getExecutionResult, ...).
func Action(v string) zap.Field { return zap.String("action", v) }

// EventID es el id de log de un evento.
func EventID(v string) zap.Field { return zap.String("event_id", v) }

// CorrelationID serializa la clave de correlación de un request/reply.
func CorrelationID(v string) zap.Field { return zap.String("correlation_id", v) }

// Topic es el canal del transporte.
func Topic(v string) zap.Field { return zap.String("topic", v) }

// AsyncID es el OperationId de una ejecución asíncrona.
func AsyncID(v string) zap.Field { return zap.String("async_id", v) }

// ─── HTTP ───

func RequestID(v string) zap.Field { return zap.String("request_id", v) }
func Method(v string) zap.Field    { return zap.String("method", v) }
func Path(v string) zap.Field      { return zap.String("path", v) }
func Status(v int) zap.Field       { return zap.Int("status", v) }

// ─── Sistema ───

// Component crea un campo para el componente/módulo.
func Component(v string) zap.Field { return zap.String("component", v) }

// Op crea un campo para la operación actual.
func Op(v string) zap.Field { return zap.String("op", v) }

// Layer crea un campo para la capa (handler, service, transport).
func Layer(v string) zap.Field { return zap.String("layer", v) }

// Err crea un campo para un error.
func Err(err error) zap.Field { return zap.Error(err) }

// Duration crea un campo para una duración.
func Duration(v time.Duration) zap.Field { return zap.Duration("duration", v) }

// ─── Genéricos ───

func Key(v string) zap.Field              { return zap.String("key", v) }
func Count(v int) zap.Field               { return zap.Int("count", v) }
func Any(key string, v any) zap.Field     { return zap.Any(key, v) }
func String(key, v string) zap.Field      { return zap.String(key, v) }
func Int(key string, v int) zap.Field     { return zap.Int(key, v) }
func Int64(key string, v int64) zap.Field { return zap.Int64(key, v) }
func Bool(key string, v bool) zap.Field   { return zap.Bool(key, v) }
