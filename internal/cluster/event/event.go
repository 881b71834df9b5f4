// Package event define el ClusterEvent que viaja entre nodos, sus acciones,
// la clave de correlación de request/reply y la política de entrega por acción.
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind es el tipo de entidad afectada (className en el wire).
type Kind string

const (
	KindScript               Kind = "ScriptInstance"
	KindJob                  Kind = "JobInstance"
	KindCustomFieldTemplate  Kind = "CustomFieldTemplate"
	KindCustomEntityTemplate Kind = "CustomEntityTemplate"
	KindEndpoint             Kind = "Endpoint"
	KindFunctionExecution    Kind = "FunctionExecution"
	KindResultCache          Kind = "ResultCache"
)

// Action es la operación que describe el evento.
type Action string

const (
	ActionCreate                  Action = "create"
	ActionUpdate                  Action = "update"
	ActionRemove                  Action = "remove"
	ActionExecute                 Action = "execute"
	ActionExecuteWorker           Action = "executeWorker"
	ActionStop                    Action = "stop"
	ActionStopByForce             Action = "stopByForce"
	ActionLastDataMessageReceived Action = "lastDataMessageReceived"
	ActionJobExecutionCompleted   Action = "jobExecutionCompleted"
	ActionGetExecutionResult      Action = "getExecutionResult"
	ActionClearCache              Action = "clearCache"
)

// actionAliases mapea nombres alternativos aceptados en el wire.
var actionAliases = map[string]Action{
	"jobCompleted": ActionJobExecutionCompleted,
}

var knownActions = map[Action]struct{}{
	ActionCreate: {}, ActionUpdate: {}, ActionRemove: {}, ActionExecute: {},
	ActionExecuteWorker: {}, ActionStop: {}, ActionStopByForce: {},
	ActionLastDataMessageReceived: {}, ActionJobExecutionCompleted: {},
	ActionGetExecutionResult: {}, ActionClearCache: {},
}

// ParseAction normaliza una acción del wire. Devuelve false si no se conoce.
func ParseAction(s string) (Action, bool) {
	if a, ok := actionAliases[s]; ok {
		return a, true
	}
	a := Action(s)
	_, ok := knownActions[a]
	return a, ok
}

// Claves de additionalInfo usadas por los handlers.
const (
	InfoLauncher  = "launcher"
	InfoAsyncID   = "asyncId"
	InfoIsCancel  = "isCancel"
	InfoIsKeep    = "isKeep"
	InfoIsWait    = "isWait"
	InfoDelayMax  = "delayMax"
	InfoDelayUnit = "delayUnit"
)

// Event es un ClusterEvent. Se trata como inmutable una vez publicado:
// los helpers With* devuelven copias.
type Event struct {
	ID           string         `json:"eventId,omitempty"`
	SourceNodeID string         `json:"sourceNodeId"`
	Kind         Kind           `json:"className"`
	EntityID     *int64         `json:"entityId"`
	EntityCode   *string        `json:"entityCode"`
	Action       Action         `json:"action"`
	ActingUser   string         `json:"actingUser"`
	ActingTenant string         `json:"actingTenant"`
	Info         map[string]any `json:"additionalInfo"`
	Correlation  *Envelope      `json:"correlation,omitempty"`
}

// New arma un evento con id de log propio.
func New(kind Kind, action Action) Event {
	return Event{ID: uuid.NewString(), Kind: kind, Action: action}
}

// WithEntityID devuelve una copia con el id de entidad.
func (e Event) WithEntityID(id int64) Event {
	e.EntityID = &id
	return e
}

// WithEntityCode devuelve una copia con el código de entidad.
func (e Event) WithEntityCode(code string) Event {
	e.EntityCode = &code
	return e
}

// WithInfo devuelve una copia con la clave agregada a additionalInfo.
func (e Event) WithInfo(key string, v any) Event {
	info := make(map[string]any, len(e.Info)+1)
	for k, val := range e.Info {
		info[k] = val
	}
	info[key] = v
	e.Info = info
	return e
}

// WithActor devuelve una copia con usuario y tenant actuantes.
func (e Event) WithActor(user, tenant string) Event {
	e.ActingUser = user
	e.ActingTenant = tenant
	return e
}

// Subject identifica la entidad del evento para logs y correlación.
func (e Event) Subject() string {
	switch {
	case e.EntityCode != nil && *e.EntityCode != "":
		return *e.EntityCode
	case e.EntityID != nil:
		return fmt.Sprintf("%d", *e.EntityID)
	}
	if v, ok := e.Info[InfoAsyncID].(string); ok {
		return v
	}
	return string(e.Kind)
}

// WantsReply indica si el emisor espera respuesta.
func (e Event) WantsReply() bool {
	return e.Correlation != nil && e.Correlation.ReplyTo != ""
}

// CorrelationKey identifica un par request/reply. Es un struct comparable
// (se usa directo como clave de map) en lugar de un string concatenado.
type CorrelationKey struct {
	SubjectID    string `json:"subjectId"`
	Action       Action `json:"action"`
	SourceNodeID string `json:"sourceNodeId"`
	Timestamp    int64  `json:"timestamp"`
	Nonce        string `json:"nonce"`
}

// NewCorrelationKey arma una clave fresca para el evento.
func NewCorrelationKey(e Event, now time.Time) CorrelationKey {
	return CorrelationKey{
		SubjectID:    e.Subject(),
		Action:       e.Action,
		SourceNodeID: e.SourceNodeID,
		Timestamp:    now.UnixMilli(),
		Nonce:        uuid.NewString(),
	}
}

// String es solo para logs.
func (k CorrelationKey) String() string {
	return fmt.Sprintf("%s/%s@%s#%d:%s", k.Action, k.SubjectID, k.SourceNodeID, k.Timestamp, k.Nonce)
}

// Envelope viaja solo en eventos request/reply.
type Envelope struct {
	ID      CorrelationKey `json:"id"`
	ReplyTo string         `json:"replyTo"`
}
