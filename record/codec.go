package record

import (
	"bytes"
	"fmt"
	"math"

	"github.com/goccy/go-json"
)

// Codec encodes keys and values for storage and transmission. Implementations
// must produce output that decodes to the normalized form of the input.
type Codec interface {
	Name() string
	Encode(schema *Schema, v Value) ([]byte, error)
	Decode(schema *Schema, data []byte) (Value, error)
}

// JSONCodec encodes values as JSON objects. Numbers are decoded according to
// the schema and bytes are carried as base64 strings. JSON has no literal for
// non-finite floats, so NaN and infinities are written as the strings "NaN",
// "Infinity" and "-Infinity".
type JSONCodec struct{}

// Name returns the codec name.
func (JSONCodec) Name() string {
	return "json"
}

// Encode validates v and encodes it.
func (JSONCodec) Encode(schema *Schema, v Value) ([]byte, error) {
	normalized, err := schema.Normalize(v)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(encodeNonFinite(normalized))
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", schema.Name, err)
	}
	return data, nil
}

// Decode decodes data and validates the result.
func (JSONCodec) Decode(schema *Schema, data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", schema.Name, err)
	}
	return schema.Normalize(raw)
}

// encodeNonFinite replaces non-finite floats in v with their string form.
func encodeNonFinite(v any) any {
	switch x := v.(type) {
	case Value:
		out := make(Value, len(x))
		for k, item := range x {
			out[k] = encodeNonFinite(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = encodeNonFinite(item)
		}
		return out
	case float32:
		return nonFiniteString(float64(x), v)
	case float64:
		return nonFiniteString(x, v)
	}
	return v
}

func nonFiniteString(f float64, v any) any {
	switch {
	case math.IsNaN(f):
		return nonFiniteNaN
	case math.IsInf(f, 1):
		return nonFinitePosInf
	case math.IsInf(f, -1):
		return nonFiniteNegInf
	}
	return v
}
