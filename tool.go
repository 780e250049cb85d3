package aegis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool classes group tools that share retry policy and fallback text.
const (
	ClassDefault   = "default"
	ClassEDR       = "edr"
	ClassWeather   = "weather"
	ClassDocSearch = "docsearch"
	ClassSIEM      = "siem"
)

// Tool is a capability backed by an external service. Implementations own
// their own credentials and network clients; the engine only sees text in
// and text out.
type Tool interface {
	Name() string
	Description() string
	// InputSchema is the JSON Schema for Invoke args. Empty means
	// "accepts anything" and skips validation.
	InputSchema() json.RawMessage
	// Class selects the retry policy and fallback text (see Recovery).
	Class() string
	Invoke(ctx context.Context, args map[string]any) (ToolOutput, error)
}

// ToolOutput is what a tool hands back: rendered text plus an optional
// file to attach to the reply.
type ToolOutput struct {
	Text         string
	ArtifactPath string
}

// Registry maps tool names to Tool capabilities. Registration happens at
// startup; after Seal the registry is immutable and reads take no locks.
type Registry struct {
	order   []string
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	sealed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool), schemas: make(map[string]*jsonschema.Schema)}
}

// Register adds a tool. Registering the same name again replaces the
// earlier tool. Register panics after Seal: tools are wired at startup,
// a later call is a programming error.
func (r *Registry) Register(t Tool) {
	if r.sealed {
		panic("aegis: Register after Seal")
	}
	name := t.Name()
	if _, ok := r.tools[name]; !ok {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Seal freezes the registry and compiles every tool's input schema.
// A schema that does not compile is an initialisation failure.
func (r *Registry) Seal() error {
	if r.sealed {
		return nil
	}
	for _, name := range r.order {
		raw := r.tools[name].InputSchema()
		if len(raw) == 0 {
			continue
		}
		sch, err := jsonschema.CompileString(name+".schema.json", string(raw))
		if err != nil {
			return fmt.Errorf("tool %s: compile input schema: %w", name, err)
		}
		r.schemas[name] = sch
	}
	r.sealed = true
	return nil
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, &NotFoundError{Kind: "tool", Name: name}
	}
	return t, nil
}

// Bind returns the descriptors the LLM sees, in registration order.
func (r *Registry) Bind() []ToolDescriptor {
	descs := make([]ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		descs = append(descs, ToolDescriptor{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return descs
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	return names
}

// Len reports the number of registered tools.
func (r *Registry) Len() int { return len(r.order) }

// ValidateArgs checks LLM-emitted args against the tool's compiled schema.
// Unknown tools and tools without a schema validate trivially.
func (r *Registry) ValidateArgs(name string, args json.RawMessage) error {
	sch, ok := r.schemas[name]
	if !ok {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return &ValidationError{Message: fmt.Sprintf("tool %s: args are not valid JSON: %v", name, err)}
	}
	if err := sch.Validate(v); err != nil {
		return &ValidationError{Message: fmt.Sprintf("tool %s: %v", name, err)}
	}
	return nil
}

// DecodeArgs unmarshals raw tool-call args into the map form tools consume.
func DecodeArgs(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &ValidationError{Message: "tool args are not a JSON object: " + err.Error()}
	}
	return m, nil
}
