package aegis

import (
	"context"
	"log/slog"
	"strings"
)

// ToolLoop carries out one "LLM decides, we execute, LLM summarises" round:
// a single invocation with bound tools, sequential execution of whatever
// tool calls it emits, and one final invocation to phrase the answer.
// Exactly one dispatch round — tool calls in the final response are ignored,
// which is what keeps a confused model from looping forever.
type ToolLoop struct {
	provider Provider
	registry *Registry
	recovery *Recovery
	system   string
	temp     *float64
	logger   *slog.Logger
}

// ToolLoopOption configures a ToolLoop.
type ToolLoopOption func(*ToolLoop)

// ToolLoopSystemPrompt sets the system message for Run.
func ToolLoopSystemPrompt(s string) ToolLoopOption {
	return func(l *ToolLoop) { l.system = s }
}

// ToolLoopTemperature sets the sampling temperature passed to the provider.
func ToolLoopTemperature(t float64) ToolLoopOption {
	return func(l *ToolLoop) { l.temp = &t }
}

// ToolLoopLogger sets the structured logger. Default: no output.
func ToolLoopLogger(lg *slog.Logger) ToolLoopOption {
	return func(l *ToolLoop) { l.logger = lg }
}

// NewToolLoop wires the loop to its provider, tool registry, and recovery
// manager.
func NewToolLoop(p Provider, reg *Registry, rec *Recovery, opts ...ToolLoopOption) *ToolLoop {
	l := &ToolLoop{
		provider: p,
		registry: reg,
		recovery: rec,
		system:   "You are a SecOps assistant. Answer precisely and use tools when they help.",
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes one loop round for a user message under the configured
// system prompt.
func (l *ToolLoop) Run(ctx context.Context, user string) (*Result, error) {
	return l.RunMessages(ctx, []Message{SystemMessage(l.system), UserMessage(user)})
}

// RunMessages executes one loop round over caller-supplied messages.
// Returned metrics are the sums of both LLM invocations. On error the
// partial metrics gathered so far ride along in the Result.
func (l *ToolLoop) RunMessages(ctx context.Context, msgs []Message) (*Result, error) {
	first, err := l.provider.Invoke(ctx, InvokeRequest{
		Messages:    msgs,
		Tools:       l.registry.Bind(),
		Temperature: l.temp,
	})
	if err != nil {
		return &Result{}, l.wrapInvokeErr(ctx, err)
	}

	metrics := first.Metrics
	if len(first.ToolCalls) == 0 {
		return &Result{Content: first.Content, Metrics: metrics}, nil
	}

	msgs = append(msgs, Message{Role: "assistant", Content: first.Content, ToolCalls: first.ToolCalls})

	// Sequential execution keeps the message order deterministic.
	var artifact string
	for _, call := range first.ToolCalls {
		content, path := l.executeCall(ctx, call)
		if path != "" {
			artifact = path
		}
		msgs = append(msgs, ToolResultMessage(call.ID, content))
	}

	final, err := l.provider.Invoke(ctx, InvokeRequest{Messages: msgs, Temperature: l.temp})
	if err != nil {
		return &Result{Metrics: metrics}, l.wrapInvokeErr(ctx, err)
	}
	metrics = metrics.Add(final.Metrics)

	if len(final.ToolCalls) > 0 {
		l.logger.Debug("ignoring tool calls in final response", "count", len(final.ToolCalls))
	}
	return &Result{Content: final.Content, ArtifactPath: artifact, Metrics: metrics}, nil
}

// executeCall resolves and runs one tool call, returning the tool-message
// content and any artifact path. Failures never escape: they become
// fallback text so the final LLM pass can still phrase an answer.
func (l *ToolLoop) executeCall(ctx context.Context, call ToolCall) (content, artifact string) {
	tool, err := l.registry.Get(call.Name)
	if err != nil {
		l.logger.Warn("tool not found", "tool", call.Name)
		return "Tool " + call.Name + " not found", ""
	}
	class := tool.Class()
	hint := hintFor(call)

	if !l.recovery.Available(class) {
		l.logger.Warn("tool class gated off, using fallback", "tool", call.Name, "class", class)
		return l.recovery.Fallback(class, hint), ""
	}

	if err := l.registry.ValidateArgs(call.Name, call.Args); err != nil {
		// Bad args are the model's mistake, not the service's; tell the
		// model so the final pass can explain or adjust.
		l.logger.Warn("tool args failed validation", "tool", call.Name, "error", err)
		return "Invalid arguments for " + call.Name + ": " + err.Error(), ""
	}
	args, err := DecodeArgs(call.Args)
	if err != nil {
		l.logger.Warn("tool args not decodable", "tool", call.Name, "error", err)
		return "Invalid arguments for " + call.Name + ": " + err.Error(), ""
	}

	text, runErr := l.recovery.Run(ctx, class, func(ctx context.Context) (string, error) {
		out, err := tool.Invoke(ctx, args)
		if err != nil {
			return "", err
		}
		artifact = out.ArtifactPath
		return out.Text, nil
	})
	if runErr != nil {
		l.logger.Warn("tool failed after retries",
			"tool", call.Name,
			"class", class,
			"error_kind", ErrorKind(&ToolFailedError{Tool: call.Name, Class: class, Err: runErr}),
			"error", runErr)
		return l.recovery.Fallback(class, hint), ""
	}
	return text, artifact
}

// wrapInvokeErr maps provider failures onto the engine's error kinds.
func (l *ToolLoop) wrapInvokeErr(ctx context.Context, err error) error {
	switch {
	case ctx.Err() == context.Canceled || IsCancelled(err):
		return &CancelledError{Op: "llm invoke"}
	case IsTimeout(err):
		return err
	default:
		return &InternalError{Err: err}
	}
}

// hintFor derives the fallback-text hint from the call's shape: tools and
// args that talk about status, details, or searching get the matching
// per-class variant.
func hintFor(call ToolCall) string {
	probe := strings.ToLower(call.Name + " " + string(call.Args))
	switch {
	case strings.Contains(probe, "status"):
		return "status"
	case strings.Contains(probe, "detail"):
		return "details"
	case strings.Contains(probe, "search") || strings.Contains(probe, "query"):
		return "search"
	default:
		return ""
	}
}
