package record

import (
	"encoding/base64"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/goccy/go-json"
)

/*
Schemas describe the structure of record keys and values. A value is a
map[string]any following its schema; Normalize converts the Go types a producer
supplies into one canonical representation per schema type, so that a value
read back from a queue compares equal to the value that was written:

	string  -> string
	int     -> int32
	long    -> int64
	float   -> float32
	double  -> float64
	boolean -> bool
	bytes   -> []byte
	[]T     -> []any
	record  -> Value

Optional fields that are absent or nil are omitted from normalized values.
*/

////////////////////////////////////////////////////////////////////////////////

// Kind is the type of a schema field.
type Kind int

const (
	KindString Kind = iota + 1
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindBoolean
	KindBytes
	KindArray
	KindRecord
)

// nolint:gochecknoglobals
var primitiveKinds = map[string]Kind{
	"string":  KindString,
	"int":     KindInt,
	"long":    KindLong,
	"float":   KindFloat,
	"double":  KindDouble,
	"boolean": KindBoolean,
	"bytes":   KindBytes,
}

func (k Kind) String() string {
	for name, kind := range primitiveKinds {
		if kind == k {
			return name
		}
	}
	switch k {
	case KindArray:
		return "array"
	case KindRecord:
		return "record"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Type is the type of a field. Items is set for arrays and Record for nested
// records.
type Type struct {
	Kind   Kind
	Items  *Type
	Record *Schema
}

// Field is a named field of a record schema.
type Field struct {
	Name     string
	Type     Type
	Optional bool
}

// Schema is a record schema.
type Schema struct {
	Name   string
	Fields []Field
}

// Value is a record key or value.
type Value map[string]any

// String returns the canonical single-line form of the schema.
func (s *Schema) String() string {
	sb := &strings.Builder{}
	writeRecord(sb, s)
	return sb.String()
}

// Equal reports whether two schemas describe the same structure.
func (s *Schema) Equal(other *Schema) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.String() == other.String()
}

// Field returns the field with the given name, or nil.
func (s *Schema) Field(name string) *Field {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i]
		}
	}
	return nil
}

func writeRecord(sb *strings.Builder, s *Schema) {
	sb.WriteString("record ")
	sb.WriteString(s.Name)
	sb.WriteString(" {")
	for _, f := range s.Fields {
		sb.WriteString(" ")
		sb.WriteString(f.Name)
		sb.WriteString(": ")
		writeType(sb, f.Type)
		if f.Optional {
			sb.WriteString("?")
		}
		sb.WriteString(";")
	}
	sb.WriteString(" }")
}

func writeType(sb *strings.Builder, t Type) {
	switch t.Kind {
	case KindArray:
		sb.WriteString("[]")
		writeType(sb, *t.Items)
	case KindRecord:
		writeRecord(sb, t.Record)
	default:
		sb.WriteString(t.Kind.String())
	}
}

// Validate checks v against the schema.
func (s *Schema) Validate(v Value) error {
	_, err := s.Normalize(v)
	return err
}

// Normalize validates v against the schema and returns a copy of it in
// canonical form. A ValidationError is returned if v does not conform.
func (s *Schema) Normalize(v Value) (Value, error) {
	return normalizeRecord(s, v, "")
}

func normalizeRecord(s *Schema, v Value, prefix string) (Value, error) {
	for name := range v {
		if s.Field(name) == nil {
			return nil, ValidationError{Schema: s.Name, Field: prefix + name, Reason: "unknown field"}
		}
	}
	out := make(Value, len(s.Fields))
	for _, f := range s.Fields {
		path := prefix + f.Name
		raw, ok := v[f.Name]
		if !ok || raw == nil {
			if f.Optional {
				continue
			}
			return nil, ValidationError{Schema: s.Name, Field: path, Reason: "missing required field"}
		}
		normalized, err := normalizeType(s, f.Type, raw, path)
		if err != nil {
			return nil, err
		}
		out[f.Name] = normalized
	}
	return out, nil
}

func normalizeType(s *Schema, t Type, raw any, path string) (any, error) {
	mismatch := func() error {
		return ValidationError{
			Schema: s.Name,
			Field:  path,
			Reason: fmt.Sprintf("expected %s, got %T", t.Kind, raw),
		}
	}
	switch t.Kind {
	case KindString:
		if x, ok := raw.(string); ok {
			return x, nil
		}
	case KindInt:
		if x, ok := toInt64(raw); ok && x >= math.MinInt32 && x <= math.MaxInt32 {
			return int32(x), nil
		}
	case KindLong:
		if x, ok := toInt64(raw); ok {
			return x, nil
		}
	case KindFloat:
		if x, ok := toFloat64(raw); ok {
			return float32(x), nil
		}
	case KindDouble:
		if x, ok := toFloat64(raw); ok {
			return x, nil
		}
	case KindBoolean:
		if x, ok := raw.(bool); ok {
			return x, nil
		}
	case KindBytes:
		switch x := raw.(type) {
		case []byte:
			return x, nil
		case string:
			decoded, err := base64.StdEncoding.DecodeString(x)
			if err == nil {
				return decoded, nil
			}
		}
	case KindRecord:
		switch x := raw.(type) {
		case Value:
			return normalizeRecord(t.Record, x, path+".")
		case map[string]any:
			return normalizeRecord(t.Record, x, path+".")
		}
	case KindArray:
		rv := reflect.ValueOf(raw)
		if rv.Kind() != reflect.Slice {
			break
		}
		if _, isBytes := raw.([]byte); isBytes {
			break
		}
		out := make([]any, rv.Len())
		for i := range out {
			item, err := normalizeType(s, *t.Items, rv.Index(i).Interface(), fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = item
		}
		return out, nil
	}
	return nil, mismatch()
}

func toInt64(raw any) (int64, bool) {
	switch x := raw.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x), true
		}
	case uint:
		if uint64(x) <= math.MaxInt64 {
			return int64(x), true
		}
	case float64:
		if x == math.Trunc(x) && x >= math.MinInt64 && x < math.MaxInt64 {
			return int64(x), true
		}
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}

// String forms of non-finite floats accepted for float and double fields.
const (
	nonFiniteNaN    = "NaN"
	nonFinitePosInf = "Infinity"
	nonFiniteNegInf = "-Infinity"
)

func toFloat64(raw any) (float64, bool) {
	switch x := raw.(type) {
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		switch x {
		case nonFiniteNaN:
			return math.NaN(), true
		case nonFinitePosInf:
			return math.Inf(1), true
		case nonFiniteNegInf:
			return math.Inf(-1), true
		}
		return 0, false
	}
	if i, ok := toInt64(raw); ok {
		return float64(i), true
	}
	return 0, false
}
