package wire

import (
	"encoding/base64"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/goccy/go-json"
)

// Codec encodes and decodes whole DDP frames.
type Codec interface {
	Encode(m Message) ([]byte, error)
	Decode(data []byte) (Message, error)
}

// ValueCodec encodes and decodes arbitrary values, e.g. collection snapshots
// written to a cache engine.
type ValueCodec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

// EJSON is the default Codec and ValueCodec.
type EJSON struct{}

var (
	_ Codec      = EJSON{}
	_ ValueCodec = EJSON{}
)

// Encode serializes m, converting extended values in params, result,
// randomSeed and fields to their EJSON form.
func (EJSON) Encode(m Message) ([]byte, error) {
	out := m
	if m.Params != nil {
		params := make([]any, len(m.Params))
		for i, p := range m.Params {
			params[i] = ToEJSON(p)
		}
		out.Params = params
	}
	out.Result = ToEJSON(m.Result)
	out.RandomSeed = ToEJSON(m.RandomSeed)
	if m.Fields != nil {
		out.Fields = toEJSONObject(m.Fields)
	}

	var frame any = out
	if m.Msg == MsgMethod || m.Msg == MsgSub {
		frame = withParams(out)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Msg, err)
	}
	return data, nil
}

// paramsFrame shadows Message.Params so method and sub frames always carry
// params, as [] when there are none.
type paramsFrame struct {
	Message
	Params []any `json:"params"`
}

func withParams(m Message) paramsFrame {
	params := m.Params
	if params == nil {
		params = []any{}
	}
	return paramsFrame{Message: m, Params: params}
}

// Decode parses a frame and converts EJSON values back to Go types.
func (EJSON) Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Msg == "" {
		return Message{}, fmt.Errorf("decode message: missing msg field")
	}

	for i, p := range m.Params {
		m.Params[i] = FromEJSON(p)
	}
	m.Result = FromEJSON(m.Result)
	m.RandomSeed = FromEJSON(m.RandomSeed)
	for k, v := range m.Fields {
		m.Fields[k] = FromEJSON(v)
	}
	return m, nil
}

// Marshal serializes any value as EJSON.
func (EJSON) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(ToEJSON(v))
	if err != nil {
		return nil, fmt.Errorf("marshal ejson: %w", err)
	}
	return data, nil
}

// Unmarshal parses EJSON into plain Go values.
func (EJSON) Unmarshal(data []byte) (any, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal ejson: %w", err)
	}
	return FromEJSON(raw), nil
}

// reserved keys that mark an EJSON extended value.
var reserved = map[string]bool{
	"$date":   true,
	"$binary": true,
	"$InfNaN": true,
	"$escape": true,
	"$type":   true,
	"$value":  true,
}

// ToEJSON rewrites v into a JSON-safe tree, replacing extended values with
// their EJSON wrappers. Maps and slices of any element type are walked.
func ToEJSON(v any) any {
	switch val := v.(type) {
	case nil, string, bool, int, int32, int64, json.Number:
		return val
	case float64:
		return floatToEJSON(val)
	case float32:
		return floatToEJSON(float64(val))
	case time.Time:
		return map[string]any{"$date": val.UnixMilli()}
	case *time.Time:
		if val == nil {
			return nil
		}
		return map[string]any{"$date": val.UnixMilli()}
	case []byte:
		return map[string]any{"$binary": base64.StdEncoding.EncodeToString(val)}
	case map[string]any:
		return toEJSONObject(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = ToEJSON(e)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return toEJSONObject(m)
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = ToEJSON(rv.Index(i).Interface())
		}
		return out
	default:
		return v
	}
}

func toEJSONObject(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	escape := false
	for k, v := range m {
		if reserved[k] {
			escape = true
		}
		out[k] = ToEJSON(v)
	}
	if escape {
		return map[string]any{"$escape": out}
	}
	return out
}

func floatToEJSON(f float64) any {
	switch {
	case math.IsNaN(f):
		return map[string]any{"$InfNaN": 0}
	case math.IsInf(f, 1):
		return map[string]any{"$InfNaN": 1}
	case math.IsInf(f, -1):
		return map[string]any{"$InfNaN": -1}
	default:
		return f
	}
}

// FromEJSON is the inverse of ToEJSON for values produced by a JSON decoder.
func FromEJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 1 {
			if ext, ok := decodeExtended(val); ok {
				return ext
			}
		}
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = FromEJSON(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = FromEJSON(e)
		}
		return out
	default:
		return v
	}
}

func decodeExtended(m map[string]any) (any, bool) {
	if d, ok := m["$date"]; ok {
		ms, ok := toFloat(d)
		if !ok {
			return nil, false
		}
		return time.UnixMilli(int64(ms)).UTC(), true
	}
	if b, ok := m["$binary"]; ok {
		s, ok := b.(string)
		if !ok {
			return nil, false
		}
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, false
		}
		return data, true
	}
	if n, ok := m["$InfNaN"]; ok {
		sign, ok := toFloat(n)
		if !ok {
			return nil, false
		}
		switch {
		case sign > 0:
			return math.Inf(1), true
		case sign < 0:
			return math.Inf(-1), true
		default:
			return math.NaN(), true
		}
	}
	if e, ok := m["$escape"]; ok {
		inner, ok := e.(map[string]any)
		if !ok {
			return nil, false
		}
		out := make(map[string]any, len(inner))
		for k, v := range inner {
			out[k] = FromEJSON(v)
		}
		return out, true
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
