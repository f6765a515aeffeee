package record

import (
	"fmt"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

/*
This is a grammar for the textual record schema format. A schema names a record
and lists its fields in order:

	record Acceleration {
	    time: double;
	    x: float;
	    y: float;
	    z: float;
	    label: string?;         // optional
	    samples: []int;
	    location: record Location { lat: double; lon: double; }?;
	}

The canonical form produced by Schema.String parses back to an equal schema,
which is what gets written beside a queue file to identify its schema version.
*/

////////////////////////////////////////////////////////////////////////////////

// nolint:gochecknoglobals
var (
	schemaLexer = lexer.MustSimple([]lexer.SimpleRule{
		{Name: "Comment", Pattern: `//[^\n]*`},
		{Name: "Array", Pattern: `\[\]`},
		{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
		{Name: "Punct", Pattern: `[{}:;?]`},
		{Name: "Whitespace", Pattern: `\s+`},
	})

	schemaParser = participle.MustBuild[schemaAST](
		participle.Lexer(schemaLexer),
		participle.Elide("Whitespace", "Comment"),
	)
)

type schemaAST struct {
	Name   string      `parser:"'record' @Ident '{'"`
	Fields []*fieldAST `parser:"@@* '}'"`
}

type fieldAST struct {
	Name     string   `parser:"@Ident ':'"`
	Type     *typeAST `parser:"@@"`
	Optional bool     `parser:"@'?'? ';'"`
}

type typeAST struct {
	Array  *typeAST   `parser:"Array @@"`
	Record *schemaAST `parser:"| @@"`
	Name   string     `parser:"| @Ident"`
}

// ParseSchema parses a schema from its textual form.
func ParseSchema(text string) (*Schema, error) {
	ast, err := schemaParser.ParseString("", text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	return fromAST(ast)
}

// MustParseSchema is like ParseSchema but panics on error. It is intended for
// schemas compiled into the program.
func MustParseSchema(text string) *Schema {
	schema, err := ParseSchema(text)
	if err != nil {
		panic(err)
	}
	return schema
}

func fromAST(ast *schemaAST) (*Schema, error) {
	schema := &Schema{Name: ast.Name, Fields: make([]Field, 0, len(ast.Fields))}
	seen := make(map[string]bool, len(ast.Fields))
	for _, f := range ast.Fields {
		if seen[f.Name] {
			return nil, fmt.Errorf("duplicate field %s in record %s", f.Name, ast.Name)
		}
		seen[f.Name] = true
		typ, err := typeFromAST(f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s.%s: %w", ast.Name, f.Name, err)
		}
		schema.Fields = append(schema.Fields, Field{Name: f.Name, Type: typ, Optional: f.Optional})
	}
	return schema, nil
}

func typeFromAST(ast *typeAST) (Type, error) {
	switch {
	case ast.Array != nil:
		items, err := typeFromAST(ast.Array)
		if err != nil {
			return Type{}, err
		}
		return Type{Kind: KindArray, Items: &items}, nil
	case ast.Record != nil:
		nested, err := fromAST(ast.Record)
		if err != nil {
			return Type{}, err
		}
		return Type{Kind: KindRecord, Record: nested}, nil
	}
	kind, ok := primitiveKinds[ast.Name]
	if !ok {
		return Type{}, fmt.Errorf("unknown type %q", ast.Name)
	}
	return Type{Kind: kind}, nil
}
