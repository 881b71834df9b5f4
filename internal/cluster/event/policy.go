package event

import "time"

// Mode indica cómo se entrega un evento.
type Mode int

const (
	FireAndForget Mode = iota
	RequestReply
)

// TxMode indica la relación de la publicación con la transacción del emisor.
type TxMode int

const (
	// TxNone publica en el momento.
	TxNone TxMode = iota
	// TxRequired publica recién cuando la transacción del emisor hace commit.
	TxRequired
	// TxRequiresNew publica por fuera de la transacción del emisor (en el momento).
	TxRequiresNew
)

// OpConfig es la configuración explícita de entrega por operación.
type OpConfig struct {
	Mode  Mode
	Delay time.Duration
	Tx    TxMode
}

// PolicyFor resuelve la configuración de entrega de una acción.
// commitDelay es el retardo aplicado a create/update para que ningún nodo
// lea estado anterior al commit del escritor.
func PolicyFor(a Action, commitDelay time.Duration) OpConfig {
	switch a {
	case ActionCreate, ActionUpdate:
		return OpConfig{Mode: FireAndForget, Delay: commitDelay, Tx: TxRequired}
	case ActionGetExecutionResult:
		return OpConfig{Mode: RequestReply}
	default:
		return OpConfig{Mode: FireAndForget}
	}
}

// ProcessSelf indica si un evento originado en este mismo nodo debe
// procesarse igual localmente.
func ProcessSelf(a Action) bool {
	switch a {
	case ActionGetExecutionResult, ActionJobExecutionCompleted:
		return true
	}
	return false
}
