package record_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wkalt/tapecache/record"
)

func TestParseSchema(t *testing.T) {
	cases := []struct {
		assertion string
		input     string
		expected  *record.Schema
	}{
		{
			"empty record",
			"record Empty {}",
			&record.Schema{Name: "Empty", Fields: []record.Field{}},
		},
		{
			"primitives",
			`record P { a: string; b: int; c: long; d: float; e: double; f: boolean; g: bytes; }`,
			&record.Schema{Name: "P", Fields: []record.Field{
				{Name: "a", Type: record.Type{Kind: record.KindString}},
				{Name: "b", Type: record.Type{Kind: record.KindInt}},
				{Name: "c", Type: record.Type{Kind: record.KindLong}},
				{Name: "d", Type: record.Type{Kind: record.KindFloat}},
				{Name: "e", Type: record.Type{Kind: record.KindDouble}},
				{Name: "f", Type: record.Type{Kind: record.KindBoolean}},
				{Name: "g", Type: record.Type{Kind: record.KindBytes}},
			}},
		},
		{
			"optional field with comments",
			`
			// a comment
			record O {
				label: string?; // trailing
			}`,
			&record.Schema{Name: "O", Fields: []record.Field{
				{Name: "label", Type: record.Type{Kind: record.KindString}, Optional: true},
			}},
		},
		{
			"nested arrays",
			`record A { m: [][]double; }`,
			&record.Schema{Name: "A", Fields: []record.Field{
				{Name: "m", Type: record.Type{
					Kind: record.KindArray,
					Items: &record.Type{
						Kind:  record.KindArray,
						Items: &record.Type{Kind: record.KindDouble},
					},
				}},
			}},
		},
		{
			"nested record",
			`record N { loc: record Location { lat: double; }?; }`,
			&record.Schema{Name: "N", Fields: []record.Field{
				{Name: "loc", Optional: true, Type: record.Type{
					Kind: record.KindRecord,
					Record: &record.Schema{Name: "Location", Fields: []record.Field{
						{Name: "lat", Type: record.Type{Kind: record.KindDouble}},
					}},
				}},
			}},
		},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			schema, err := record.ParseSchema(c.input)
			require.NoError(t, err)
			require.Equal(t, c.expected, schema)

			reparsed, err := record.ParseSchema(schema.String())
			require.NoError(t, err)
			require.Equal(t, schema, reparsed)
			require.True(t, schema.Equal(reparsed))
		})
	}
}

func TestParseSchemaErrors(t *testing.T) {
	cases := []struct {
		assertion string
		input     string
	}{
		{"unknown type", "record X { a: uint; }"},
		{"duplicate field", "record X { a: int; a: long; }"},
		{"missing semicolon", "record X { a: int }"},
		{"missing keyword", "X { a: int; }"},
		{"unterminated", "record X { a: int;"},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			_, err := record.ParseSchema(c.input)
			require.Error(t, err)
		})
	}
}

func TestSchemaString(t *testing.T) {
	require.Equal(t,
		"record ObservationKey { projectId: string?; userId: string; sourceId: string; }",
		record.ObservationKeySchema.String(),
	)
	schema := record.MustParseSchema("record A {x:[]record B{y:int;};}")
	require.Equal(t, "record A { x: []record B { y: int; }; }", schema.String())
	require.False(t, schema.Equal(record.ObservationKeySchema))
}

func TestNormalize(t *testing.T) {
	schema := record.MustParseSchema(`record Reading {
		time: double;
		count: int;
		total: long;
		x: float;
		ok: boolean;
		raw: bytes?;
		label: string?;
		samples: []int?;
		loc: record Location { lat: double; lon: double; }?;
	}`)
	cases := []struct {
		assertion string
		input     record.Value
		expected  record.Value
	}{
		{
			"canonical input",
			record.Value{"time": 1.5, "count": int32(2), "total": int64(3), "x": float32(0.5), "ok": true},
			record.Value{"time": 1.5, "count": int32(2), "total": int64(3), "x": float32(0.5), "ok": true},
		},
		{
			"integer conversions",
			record.Value{"time": 1, "count": int64(2), "total": uint8(3), "x": 4, "ok": false},
			record.Value{"time": 1.0, "count": int32(2), "total": int64(3), "x": float32(4), "ok": false},
		},
		{
			"nil optional fields are omitted",
			record.Value{"time": 1.0, "count": 1, "total": 1, "x": 1.0, "ok": true, "label": nil},
			record.Value{"time": 1.0, "count": int32(1), "total": int64(1), "x": float32(1), "ok": true},
		},
		{
			"bytes from base64",
			record.Value{"time": 1.0, "count": 1, "total": 1, "x": 1.0, "ok": true, "raw": "AQI="},
			record.Value{
				"time": 1.0, "count": int32(1), "total": int64(1), "x": float32(1), "ok": true,
				"raw": []byte{1, 2},
			},
		},
		{
			"arrays and nested records",
			record.Value{
				"time": 1.0, "count": 1, "total": 1, "x": 1.0, "ok": true,
				"samples": []int{1, 2},
				"loc":     map[string]any{"lat": 1.0, "lon": 2},
			},
			record.Value{
				"time": 1.0, "count": int32(1), "total": int64(1), "x": float32(1), "ok": true,
				"samples": []any{int32(1), int32(2)},
				"loc":     record.Value{"lat": 1.0, "lon": 2.0},
			},
		},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			normalized, err := schema.Normalize(c.input)
			require.NoError(t, err)
			require.Equal(t, c.expected, normalized)
		})
	}
}

func TestValidationErrors(t *testing.T) {
	schema := record.MustParseSchema(`record R {
		count: int;
		name: string;
		tags: []string?;
		loc: record L { lat: double; }?;
	}`)
	cases := []struct {
		assertion string
		input     record.Value
		field     string
	}{
		{"missing field", record.Value{"count": 1}, "name"},
		{"unknown field", record.Value{"count": 1, "name": "a", "other": 1}, "other"},
		{"wrong type", record.Value{"count": "1", "name": "a"}, "count"},
		{"int overflow", record.Value{"count": int64(1) << 40, "name": "a"}, "count"},
		{"fractional int", record.Value{"count": 1.5, "name": "a"}, "count"},
		{"bad array item", record.Value{"count": 1, "name": "a", "tags": []any{"x", 2}}, "tags[1]"},
		{"bytes are not an array", record.Value{"count": 1, "name": "a", "tags": []byte("x")}, "tags"},
		{"bad nested field", record.Value{"count": 1, "name": "a", "loc": record.Value{"lat": "x"}}, "loc.lat"},
		{"nil value", nil, "count"},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			err := schema.Validate(c.input)
			require.ErrorIs(t, err, record.ValidationError{})
			var verr record.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, c.field, verr.Field)
			require.Equal(t, "R", verr.Schema)
		})
	}
}
