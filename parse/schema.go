package parse

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"
)

// Schema validates model-produced JSON before it is used.
type Schema struct {
	schema *jsonschema.Schema
}

// CompileSchema compiles a JSON Schema document.
func CompileSchema(raw string) (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	s, err := compiler.Compile([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &Schema{schema: s}, nil
}

// MustCompileSchema is CompileSchema for package-level schemas; it panics
// on an invalid document.
func MustCompileSchema(raw string) *Schema {
	s, err := CompileSchema(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks a decoded JSON value against the schema.
func (s *Schema) Validate(data any) error {
	result := s.schema.Validate(data)
	if !result.IsValid() {
		return fmt.Errorf("%s", result.Error())
	}
	return nil
}

// Decode parses payload, validates it and unmarshals it into out.
func (s *Schema) Decode(payload string, out any) error {
	var generic any
	if err := json.Unmarshal([]byte(payload), &generic); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := s.Validate(generic); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// Common payload shapes.
var (
	// StringList is a JSON array of non-empty strings.
	StringList = MustCompileSchema(`{"type": "array", "items": {"type": "string", "minLength": 1}}`)
	// StringListMap is a JSON object whose values are string arrays.
	StringListMap = MustCompileSchema(`{"type": "object", "additionalProperties": {"type": "array", "items": {"type": "string"}}}`)
)
