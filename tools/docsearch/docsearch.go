// Package docsearch exposes the knowledge-base retriever as a tool the
// assistant can call for runbook and policy questions.
package docsearch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kelvaris/aegis"
	"github.com/kelvaris/aegis/tools/toolfunc"
)

// Args is the tool's argument contract.
type Args struct {
	Query string `json:"query" jsonschema:"description=What to search the knowledge base for"`
	K     int    `json:"k,omitempty" jsonschema:"minimum=1,description=How many passages to return"`
}

var schema = toolfunc.SchemaFor[Args]()

// Tool searches indexed documents and renders the top passages with their
// source paths, so answers can cite where they came from.
type Tool struct {
	retriever aegis.Retriever
	defaultK  int
}

var _ aegis.Tool = (*Tool)(nil)

// Option configures a Tool.
type Option func(*Tool)

// WithDefaultK sets how many passages a query without k returns. Default 5.
func WithDefaultK(n int) Option {
	return func(t *Tool) { t.defaultK = n }
}

// New creates the search tool over an already-built retriever.
func New(r aegis.Retriever, opts ...Option) *Tool {
	t := &Tool{retriever: r, defaultK: 5}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Name() string { return "docsearch" }

func (t *Tool) Description() string {
	return "Search internal runbooks, policies, and past incident reports. Returns the most relevant passages with their sources."
}

func (t *Tool) InputSchema() json.RawMessage { return schema }

func (t *Tool) Class() string { return aegis.ClassDocSearch }

func (t *Tool) Invoke(ctx context.Context, args map[string]any) (aegis.ToolOutput, error) {
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return aegis.ToolOutput{}, &aegis.ValidationError{Message: "docsearch: query is required"}
	}

	k := t.defaultK
	// Decoded JSON numbers arrive as float64.
	if raw, ok := args["k"]; ok {
		switch v := raw.(type) {
		case float64:
			k = int(v)
		case int:
			k = v
		}
	}
	if k <= 0 {
		k = t.defaultK
	}

	passages, err := t.retriever.Search(ctx, query, k)
	if err != nil {
		return aegis.ToolOutput{}, fmt.Errorf("docsearch: %w", err)
	}
	if len(passages) == 0 {
		return aegis.ToolOutput{Text: fmt.Sprintf("No documents matched %q.", query)}, nil
	}

	var b strings.Builder
	for i, p := range passages {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, p.Source, strings.TrimSpace(p.Text))
	}
	return aegis.ToolOutput{Text: strings.TrimSuffix(b.String(), "\n")}, nil
}
