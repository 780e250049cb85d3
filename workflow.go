package aegis

import (
	"context"
	"fmt"
	"log/slog"
)

// End is the terminal pseudo-node every workflow finishes on.
const End = "__end__"

// State is the data a workflow accumulates as its nodes run. Values are
// plain JSON-ish types; the typed accessors below tolerate missing keys.
// Nodes treat their input state as read-only and return changes as a Delta.
type State map[string]any

// Delta is the set of fields one node changed. The engine merges it into
// the running state: accumulating keys concatenate, everything else is
// last-write-wins.
type Delta map[string]any

// NodeFunc is one workflow node: pure with respect to its input state.
type NodeFunc func(ctx context.Context, s State) (Delta, error)

// Clone returns a shallow copy. Accumulator slices are merged
// copy-on-write so sharing the remaining values is safe as long as nodes
// honour the read-only contract.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// String returns the string at key, or "".
func (s State) String(key string) string {
	v, _ := s[key].(string)
	return v
}

// Strings returns the string list at key. Both []string and []any
// (as produced by JSON decoding) are tolerated.
func (s State) Strings(key string) []string {
	switch v := s[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

// Int returns the integer at key, accepting int, int64, and float64.
func (s State) Int(key string) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Bool returns the bool at key, or false.
func (s State) Bool(key string) bool {
	v, _ := s[key].(bool)
	return v
}

// StringMap returns the map[string]string at key, or nil.
func (s State) StringMap(key string) map[string]string {
	v, _ := s[key].(map[string]string)
	return v
}

// NestedStringMap returns the map[string]map[string]string at key, or nil.
func (s State) NestedStringMap(key string) map[string]map[string]string {
	v, _ := s[key].(map[string]map[string]string)
	return v
}

// Workflow is a compiled directed graph of nodes executed strictly
// sequentially on a single goroutine. Parallel nodes are not expressible:
// sequential merge is what keeps accumulator semantics unambiguous.
type Workflow struct {
	name   string
	entry  string
	nodes  map[string]NodeFunc
	order  []string
	edges  map[string]string
	conds  map[string]condEdge
	acc    map[string]bool
	logger *slog.Logger
}

type condEdge struct {
	pick    func(State) string
	targets map[string]bool
}

// WorkflowBuilder assembles a Workflow. Compile validates the graph.
type WorkflowBuilder struct {
	w    *Workflow
	errs []error
}

// WorkflowOption configures a builder.
type WorkflowOption func(*Workflow)

// WorkflowLogger sets the structured logger. Default: no output.
func WorkflowLogger(l *slog.Logger) WorkflowOption {
	return func(w *Workflow) { w.logger = l }
}

// NewWorkflow starts a builder. The "errors" key always accumulates; the
// engine appends to it when a node fails.
func NewWorkflow(name string, opts ...WorkflowOption) *WorkflowBuilder {
	w := &Workflow{
		name:   name,
		nodes:  make(map[string]NodeFunc),
		edges:  make(map[string]string),
		conds:  make(map[string]condEdge),
		acc:    map[string]bool{"errors": true},
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return &WorkflowBuilder{w: w}
}

// AddNode registers a node. Duplicate names are a compile error.
func (b *WorkflowBuilder) AddNode(name string, fn NodeFunc) *WorkflowBuilder {
	if name == End {
		b.errs = append(b.errs, fmt.Errorf("workflow %s: %q is reserved", b.w.name, End))
		return b
	}
	if _, dup := b.w.nodes[name]; dup {
		b.errs = append(b.errs, fmt.Errorf("workflow %s: duplicate node %q", b.w.name, name))
		return b
	}
	b.w.nodes[name] = fn
	b.w.order = append(b.w.order, name)
	return b
}

// AddEdge wires an unconditional transition.
func (b *WorkflowBuilder) AddEdge(from, to string) *WorkflowBuilder {
	if _, dup := b.w.edges[from]; dup {
		b.errs = append(b.errs, fmt.Errorf("workflow %s: node %q already has an edge", b.w.name, from))
		return b
	}
	b.w.edges[from] = to
	return b
}

// AddConditional wires a branching transition: pick inspects the state and
// returns one of targets. The engine rejects anything else at runtime.
func (b *WorkflowBuilder) AddConditional(from string, pick func(State) string, targets ...string) *WorkflowBuilder {
	if _, dup := b.w.conds[from]; dup {
		b.errs = append(b.errs, fmt.Errorf("workflow %s: node %q already has a conditional", b.w.name, from))
		return b
	}
	tset := make(map[string]bool, len(targets))
	for _, t := range targets {
		tset[t] = true
	}
	b.w.conds[from] = condEdge{pick: pick, targets: tset}
	return b
}

// SetEntry names the first node.
func (b *WorkflowBuilder) SetEntry(name string) *WorkflowBuilder {
	b.w.entry = name
	return b
}

// Accumulate marks list-typed state keys whose deltas concatenate instead
// of overwriting.
func (b *WorkflowBuilder) Accumulate(keys ...string) *WorkflowBuilder {
	for _, k := range keys {
		b.w.acc[k] = true
	}
	return b
}

// Compile validates the graph: entry present, edge endpoints known, no node
// carrying both an edge and a conditional, and no cycles (Kahn). Unreachable
// nodes are logged, not fatal.
func (b *WorkflowBuilder) Compile() (*Workflow, error) {
	w := b.w
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if w.entry == "" {
		return nil, fmt.Errorf("workflow %s: no entry node", w.name)
	}
	if _, ok := w.nodes[w.entry]; !ok {
		return nil, fmt.Errorf("workflow %s: entry node %q not registered", w.name, w.entry)
	}
	known := func(n string) bool {
		_, ok := w.nodes[n]
		return ok || n == End
	}
	for from, to := range w.edges {
		if !known(from) || !known(to) {
			return nil, fmt.Errorf("workflow %s: edge %s -> %s references unknown node", w.name, from, to)
		}
		if _, both := w.conds[from]; both {
			return nil, fmt.Errorf("workflow %s: node %q has both an edge and a conditional", w.name, from)
		}
	}
	for from, c := range w.conds {
		if !known(from) {
			return nil, fmt.Errorf("workflow %s: conditional from unknown node %q", w.name, from)
		}
		if len(c.targets) == 0 {
			return nil, fmt.Errorf("workflow %s: conditional on %q declares no targets", w.name, from)
		}
		for t := range c.targets {
			if !known(t) {
				return nil, fmt.Errorf("workflow %s: conditional target %q unknown", w.name, t)
			}
		}
	}
	if err := w.checkAcyclic(); err != nil {
		return nil, err
	}
	w.warnUnreachable()
	return w, nil
}

// checkAcyclic runs Kahn's algorithm over edges plus conditional targets.
func (w *Workflow) checkAcyclic() error {
	indeg := make(map[string]int, len(w.nodes))
	succ := make(map[string][]string, len(w.nodes))
	for _, n := range w.order {
		indeg[n] = 0
	}
	link := func(from, to string) {
		if to == End {
			return
		}
		succ[from] = append(succ[from], to)
		indeg[to]++
	}
	for from, to := range w.edges {
		link(from, to)
	}
	for from, c := range w.conds {
		for t := range c.targets {
			link(from, t)
		}
	}
	queue := make([]string, 0, len(w.nodes))
	for _, n := range w.order {
		if indeg[n] == 0 {
			queue = append(queue, n)
		}
	}
	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, m := range succ[n] {
			indeg[m]--
			if indeg[m] == 0 {
				queue = append(queue, m)
			}
		}
	}
	if visited != len(w.nodes) {
		return fmt.Errorf("workflow %s: cycle detected", w.name)
	}
	return nil
}

// warnUnreachable logs nodes no edge can reach. They indicate a wiring
// mistake but don't block execution.
func (w *Workflow) warnUnreachable() {
	reach := map[string]bool{w.entry: true}
	queue := []string{w.entry}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		var outs []string
		if to, ok := w.edges[n]; ok {
			outs = append(outs, to)
		}
		if c, ok := w.conds[n]; ok {
			for t := range c.targets {
				outs = append(outs, t)
			}
		}
		for _, to := range outs {
			if to != End && !reach[to] {
				reach[to] = true
				queue = append(queue, to)
			}
		}
	}
	for _, n := range w.order {
		if !reach[n] {
			w.logger.Warn("workflow node unreachable", "workflow", w.name, "node", n)
		}
	}
}

// Name returns the workflow's name.
func (w *Workflow) Name() string { return w.name }

// Run executes the workflow from its entry node. Cancellation stops
// progression before the next node and returns the state gathered so far.
// A node error is recorded as "<node>: <message>" in the errors accumulator
// (its delta is discarded) and execution continues.
func (w *Workflow) Run(ctx context.Context, initial State) (State, error) {
	state := initial.Clone()
	if state == nil {
		state = State{}
	}
	cur := w.entry
	for cur != End {
		if ctx.Err() != nil {
			return state, &CancelledError{Op: "workflow " + w.name}
		}
		w.logger.Debug("workflow node", "workflow", w.name, "node", cur)
		delta, err := w.nodes[cur](ctx, state.Clone())
		if err != nil {
			w.logger.Warn("workflow node failed", "workflow", w.name, "node", cur, "error", err)
			w.merge(state, Delta{"errors": cur + ": " + err.Error()})
		} else {
			w.merge(state, delta)
		}

		if c, ok := w.conds[cur]; ok {
			next := c.pick(state.Clone())
			if !c.targets[next] {
				return state, fmt.Errorf("workflow %s: conditional on %q picked undeclared target %q", w.name, cur, next)
			}
			cur = next
			continue
		}
		if next, ok := w.edges[cur]; ok {
			cur = next
			continue
		}
		cur = End
	}
	return state, nil
}

// merge applies a delta: accumulating keys concatenate (copy-on-write),
// everything else overwrites.
func (w *Workflow) merge(state State, delta Delta) {
	for k, v := range delta {
		if !w.acc[k] {
			state[k] = v
			continue
		}
		cur := state.Strings(k)
		add := toStrings(v)
		merged := make([]string, 0, len(cur)+len(add))
		merged = append(merged, cur...)
		merged = append(merged, add...)
		state[k] = merged
	}
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{fmt.Sprint(t)}
	}
}
