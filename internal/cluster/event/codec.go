package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMissingSource = errors.New("event: missing sourceNodeId")
	ErrUnknownAction = errors.New("event: unknown action")
)

// Encode serializa el evento al formato de wire.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parsea un evento del wire. Los números de additionalInfo se
// conservan como json.Number para no perder precisión en ids int64.
func Decode(b []byte) (Event, error) {
	var raw struct {
		Event
		Action string `json:"action"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Event{}, fmt.Errorf("event: decode: %w", err)
	}
	ev := raw.Event
	a, ok := ParseAction(raw.Action)
	if !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownAction, raw.Action)
	}
	ev.Action = a
	if strings.TrimSpace(ev.SourceNodeID) == "" {
		return Event{}, ErrMissingSource
	}
	return ev, nil
}

// Reply es la respuesta a un evento request/reply. Value == nil (o JSON null)
// significa "sin opinión / no encontrado acá".
type Reply struct {
	Correlation  CorrelationKey  `json:"correlation"`
	SourceNodeID string          `json:"sourceNodeId"`
	Value        json.RawMessage `json:"value"`
}

// IsNull indica si la respuesta no aporta valor.
func (r Reply) IsNull() bool {
	v := bytes.TrimSpace(r.Value)
	return len(v) == 0 || bytes.Equal(v, []byte("null"))
}

// EncodeReply serializa una respuesta con el valor dado (nil => null).
func EncodeReply(key CorrelationKey, source string, value any) ([]byte, error) {
	var raw json.RawMessage
	if value == nil {
		raw = json.RawMessage("null")
	} else {
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("event: encode reply value: %w", err)
		}
		raw = b
	}
	return json.Marshal(Reply{Correlation: key, SourceNodeID: source, Value: raw})
}

// DecodeReply parsea una respuesta del wire.
func DecodeReply(b []byte) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(b, &r); err != nil {
		return Reply{}, fmt.Errorf("event: decode reply: %w", err)
	}
	return r, nil
}

// ─── Lectura tipada de additionalInfo ───

// InfoString devuelve la clave como string ("" si falta).
func (e Event) InfoString(key string) string {
	switch v := e.Info[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// InfoBool acepta bool, "true"/"false" y números (0 = false).
func (e Event) InfoBool(key string) bool {
	switch v := e.Info[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b
	case json.Number:
		f, err := v.Float64()
		return err == nil && f != 0
	case float64:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	}
	return false
}

// InfoInt64 devuelve la clave como entero; ok=false si falta o no es numérica.
func (e Event) InfoInt64(key string) (int64, bool) {
	switch v := e.Info[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		if f, err := v.Float64(); err == nil {
			return int64(f), true
		}
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}
