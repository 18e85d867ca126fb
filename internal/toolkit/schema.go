// Package toolkit generates and validates the JSON Schemas built-in tools
// advertise to the LLM, so a tool's argument struct stays the single
// source of truth for both its wire schema and its runtime validation.
package toolkit

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	jsonschemav5 "github.com/santhosh-tekuri/jsonschema/v5"
)

// GenerateSchema reflects a Go struct's json tags into the JSON Schema a
// Tool's Schema() method returns, so adding a field to an args struct keeps
// the LLM-facing schema and the Go type in sync without hand-written maps.
func GenerateSchema(v any) json.RawMessage {
	reflector := &jsonschema.Reflector{
		ExpandedStruct:            true,
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(v)
	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("toolkit: marshal generated schema: %v", err))
	}
	return data
}

// Validator checks tool call arguments against a compiled JSON Schema
// before Execute unmarshals them, catching malformed LLM output with a
// clear error instead of a zero-valued struct field.
type Validator struct {
	schema *jsonschemav5.Schema
}

// NewValidator compiles schema (as returned by GenerateSchema or written
// by hand) into a reusable Validator.
func NewValidator(name string, schema json.RawMessage) (*Validator, error) {
	compiler := jsonschemav5.NewCompiler()
	resource := name + ".json"
	if err := compiler.AddResource(resource, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", resource, err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", resource, err)
	}
	return &Validator{schema: compiled}, nil
}

// Validate checks raw tool call input against the compiled schema.
func (v *Validator) Validate(input json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(input, &doc); err != nil {
		return fmt.Errorf("unmarshal input: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}
