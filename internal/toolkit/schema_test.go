package toolkit

import (
	"encoding/json"
	"testing"
)

type sampleArgs struct {
	Task  string `json:"task" jsonschema:"required"`
	Model string `json:"model,omitempty"`
}

func TestGenerateSchemaIncludesRequiredField(t *testing.T) {
	schema := GenerateSchema(sampleArgs{})

	var decoded map[string]any
	if err := json.Unmarshal(schema, &decoded); err != nil {
		t.Fatalf("unmarshal generated schema: %v", err)
	}
	props, ok := decoded["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schema missing properties: %v", decoded)
	}
	if _, ok := props["task"]; !ok {
		t.Errorf("schema missing task property: %v", props)
	}
}

func TestValidatorAcceptsValidInput(t *testing.T) {
	schema := GenerateSchema(sampleArgs{})
	v, err := NewValidator("sample", schema)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	if err := v.Validate(json.RawMessage(`{"task":"do something"}`)); err != nil {
		t.Errorf("expected valid input to pass, got %v", err)
	}
}

func TestValidatorRejectsMissingRequiredField(t *testing.T) {
	schema := GenerateSchema(sampleArgs{})
	v, err := NewValidator("sample-missing", schema)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	if err := v.Validate(json.RawMessage(`{"model":"m"}`)); err == nil {
		t.Error("expected missing required field to fail validation")
	}
}

func TestValidatorRejectsMalformedInput(t *testing.T) {
	schema := GenerateSchema(sampleArgs{})
	v, err := NewValidator("sample-malformed", schema)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	if err := v.Validate(json.RawMessage(`not json`)); err == nil {
		t.Error("expected malformed input to fail validation")
	}
}
