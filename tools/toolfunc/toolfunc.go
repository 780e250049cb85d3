// Package toolfunc adapts plain functions to the aegis.Tool interface and
// reflects typed argument structs into JSON Schemas, so in-process tools
// need no hand-written schema strings.
package toolfunc

import (
	"context"
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/kelvaris/aegis"
)

// Func is the body of an in-process tool.
type Func func(ctx context.Context, args map[string]any) (aegis.ToolOutput, error)

// Tool wraps a Func with the metadata the registry needs.
type Tool struct {
	name        string
	description string
	class       string
	schema      json.RawMessage
	fn          Func
}

var _ aegis.Tool = (*Tool)(nil)

// New adapts fn into a Tool. A nil fn is a wiring error and panics here
// rather than on the first dispatch.
func New(name, description, class string, schema json.RawMessage, fn Func) *Tool {
	if fn == nil {
		panic("toolfunc: nil fn for tool " + name)
	}
	return &Tool{name: name, description: description, class: class, schema: schema, fn: fn}
}

func (t *Tool) Name() string                 { return t.name }
func (t *Tool) Description() string          { return t.description }
func (t *Tool) InputSchema() json.RawMessage { return t.schema }
func (t *Tool) Class() string                { return t.class }

func (t *Tool) Invoke(ctx context.Context, args map[string]any) (aegis.ToolOutput, error) {
	return t.fn(ctx, args)
}

// SchemaFor reflects T into an inlined JSON Schema with no $defs
// references, strict about unknown properties. Fields without omitempty
// are required.
func SchemaFor[T any]() json.RawMessage {
	r := jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var v T
	schema := r.Reflect(&v)
	b, err := json.Marshal(schema)
	if err != nil {
		// Reflection of a static type; only a broken custom
		// MarshalJSON on T could land here.
		panic("toolfunc: marshal schema: " + err.Error())
	}
	return b
}
