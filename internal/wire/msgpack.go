package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Msgpack is a binary ValueCodec. Timestamps and byte slices round-trip
// natively, so no EJSON wrapping is applied.
type Msgpack struct{}

var _ ValueCodec = Msgpack{}

// Marshal packs v.
func (Msgpack) Marshal(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal msgpack: %w", err)
	}
	return data, nil
}

// Unmarshal unpacks data into plain Go values. Maps decode as
// map[string]any and arrays as []any.
func (Msgpack) Unmarshal(data []byte) (any, error) {
	var v any
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal msgpack: %w", err)
	}
	return v, nil
}
