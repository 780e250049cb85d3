package toolfunc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/kelvaris/aegis"
)

type lookupArgs struct {
	Indicator string `json:"indicator" jsonschema:"description=Indicator to look up"`
	Verbose   bool   `json:"verbose,omitempty"`
}

func TestNewAdaptsFunc(t *testing.T) {
	var gotArgs map[string]any
	tool := New("lookup", "Looks up an indicator.", aegis.ClassDefault, nil,
		func(_ context.Context, args map[string]any) (aegis.ToolOutput, error) {
			gotArgs = args
			return aegis.ToolOutput{Text: "clean"}, nil
		})

	if tool.Name() != "lookup" || tool.Class() != aegis.ClassDefault {
		t.Errorf("metadata = %q/%q", tool.Name(), tool.Class())
	}
	if tool.Description() != "Looks up an indicator." {
		t.Errorf("description = %q", tool.Description())
	}
	if tool.InputSchema() != nil {
		t.Errorf("schema = %s, want nil", tool.InputSchema())
	}

	out, err := tool.Invoke(context.Background(), map[string]any{"indicator": "203.0.113.9"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out.Text != "clean" {
		t.Errorf("output = %q", out.Text)
	}
	if gotArgs["indicator"] != "203.0.113.9" {
		t.Errorf("args = %v", gotArgs)
	}
}

func TestNewNilFuncPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("New with nil fn did not panic")
		}
	}()
	New("broken", "", aegis.ClassDefault, nil, nil)
}

func TestSchemaForShape(t *testing.T) {
	raw := SchemaFor[lookupArgs]()

	var schema struct {
		Type       string                     `json:"type"`
		Required   []string                   `json:"required"`
		Properties map[string]json.RawMessage `json:"properties"`
		Additional *bool                      `json:"additionalProperties"`
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		t.Fatalf("schema is not valid JSON: %v\n%s", err, raw)
	}
	if schema.Type != "object" {
		t.Errorf("type = %q", schema.Type)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "indicator" {
		t.Errorf("required = %v, want [indicator]", schema.Required)
	}
	if _, ok := schema.Properties["indicator"]; !ok {
		t.Errorf("properties missing indicator: %s", raw)
	}
	if _, ok := schema.Properties["verbose"]; !ok {
		t.Errorf("properties missing verbose: %s", raw)
	}
	if schema.Additional == nil || *schema.Additional {
		t.Errorf("additionalProperties = %v, want false", schema.Additional)
	}
}

// The reflected schema must survive registry compilation and enforce its
// constraints end to end.
func TestSchemaForCompilesAndValidates(t *testing.T) {
	tool := New("lookup", "Looks up an indicator.", aegis.ClassDefault, SchemaFor[lookupArgs](),
		func(context.Context, map[string]any) (aegis.ToolOutput, error) {
			return aegis.ToolOutput{}, nil
		})

	reg := aegis.NewRegistry()
	reg.Register(tool)
	if err := reg.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if err := reg.ValidateArgs("lookup", json.RawMessage(`{"indicator":"evil.test"}`)); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
	if err := reg.ValidateArgs("lookup", json.RawMessage(`{}`)); err == nil {
		t.Error("missing required field accepted")
	}
	if err := reg.ValidateArgs("lookup", json.RawMessage(`{"indicator":"x","bogus":1}`)); err == nil {
		t.Error("unknown property accepted")
	}
}
