// Package resolve responde "¿qué pasó con la operación X?": primero contra el
// PendingResultStore local y, si no está acá y el nodo corre en cluster,
// preguntando al resto de los nodos por el bus.
package resolve

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status es el resultado de una consulta.
type Status int

const (
	StatusNotFound Status = iota
	StatusResult
	StatusInProgress
	StatusCanceled
	StatusTimedOut
)

var statusNames = map[Status]string{
	StatusNotFound:   "not_found",
	StatusResult:     "result",
	StatusInProgress: "in_progress",
	StatusCanceled:   "canceled",
	StatusTimedOut:   "timed_out",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// MarshalText serializa el estado por nombre en el wire.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText acepta los nombres de MarshalText.
func (s *Status) UnmarshalText(b []byte) error {
	for st, n := range statusNames {
		if n == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("resolve: unknown status %q", string(b))
}

// Outcome es la respuesta a una consulta. Value viene como json.RawMessage
// cuando la respondió otro nodo.
type Outcome struct {
	Status Status `json:"status"`
	Value  any    `json:"value,omitempty"`
	Err    string `json:"error,omitempty"`
	NodeID string `json:"nodeId,omitempty"`
}

// Found indica si algún nodo conoce la operación.
func (o Outcome) Found() bool { return o.Status != StatusNotFound }

// ErrBadDelayUnit se devuelve con una unidad de delayMax desconocida.
var ErrBadDelayUnit = errors.New("resolve: unknown delay unit")

// Query son los parámetros de getOrWait.
type Query struct {
	AsyncID string
	Cancel  bool
	Keep    bool
	Wait    bool
	// DelayMax nil = no esperar con límite propio.
	DelayMax  *int64
	DelayUnit string
}

// ParseDelayUnit acepta ms|s|m|h y los nombres largos (MILLISECONDS...).
// Vacío = segundos.
func ParseDelayUnit(u string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(u)) {
	case "", "s", "sec", "second", "seconds":
		return time.Second, nil
	case "ms", "millis", "millisecond", "milliseconds":
		return time.Millisecond, nil
	case "m", "min", "minute", "minutes":
		return time.Minute, nil
	case "h", "hour", "hours":
		return time.Hour, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrBadDelayUnit, u)
}

// Validate revisa unidad y signo de delayMax.
func (q Query) Validate() error {
	if _, err := ParseDelayUnit(q.DelayUnit); err != nil {
		return err
	}
	if q.DelayMax != nil && *q.DelayMax < 0 {
		return errors.New("resolve: delayMax must be >= 0")
	}
	return nil
}

// Delay devuelve delayMax como duración; ok=false si no se pidió.
// Una unidad inválida se toma como segundos (Validate la rechaza antes).
func (q Query) Delay() (time.Duration, bool) {
	if q.DelayMax == nil {
		return 0, false
	}
	unit, err := ParseDelayUnit(q.DelayUnit)
	if err != nil {
		unit = time.Second
	}
	n := *q.DelayMax
	if n < 0 {
		n = 0
	}
	return time.Duration(n) * unit, true
}

func (q Query) key() string {
	d := "-"
	if q.DelayMax != nil {
		d = fmt.Sprintf("%d%s", *q.DelayMax, q.DelayUnit)
	}
	return fmt.Sprintf("%s|c=%t|k=%t|w=%t|d=%s", q.AsyncID, q.Cancel, q.Keep, q.Wait, d)
}
