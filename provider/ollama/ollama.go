// Package ollama implements the aegis provider interfaces against the
// native Ollama HTTP API (/api/chat, /api/embed). The native API, unlike
// the OpenAI compatibility layer, reports prompt/generation token counts
// and evaluation timings, which callers surface as throughput metrics.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kelvaris/aegis"
)

// DefaultTimeout bounds a single chat or embed call.
const DefaultTimeout = 60 * time.Second

// Ollama implements aegis.Provider, aegis.StreamingProvider and
// aegis.EmbeddingProvider against a local Ollama server.
type Ollama struct {
	baseURL    string
	model      string
	embedModel string
	httpClient *http.Client
	timeout    time.Duration
	keepAlive  string
	logger     *slog.Logger
}

// Option configures an Ollama provider.
type Option func(*Ollama)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Ollama) { o.httpClient = c }
}

// WithTimeout sets the per-call deadline (default 60s). The deadline
// covers the whole call including streaming; exceeding it returns an
// aegis.TimeoutError.
func WithTimeout(d time.Duration) Option {
	return func(o *Ollama) { o.timeout = d }
}

// WithEmbedModel sets the model used for Embed calls. Defaults to the
// chat model, which is rarely what you want for retrieval.
func WithEmbedModel(model string) Option {
	return func(o *Ollama) { o.embedModel = model }
}

// WithKeepAlive controls how long the server keeps the model loaded
// after a call (Ollama duration string, e.g. "10m", "-1" for forever).
func WithKeepAlive(v string) Option {
	return func(o *Ollama) { o.keepAlive = v }
}

// WithLogger sets the structured logger for request-level debug output.
func WithLogger(l *slog.Logger) Option {
	return func(o *Ollama) { o.logger = l }
}

// New creates a provider for the Ollama server at baseURL
// (e.g. "http://localhost:11434") using the given chat model.
func New(baseURL, model string, opts ...Option) *Ollama {
	o := &Ollama{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.embedModel == "" {
		o.embedModel = o.model
	}
	if o.logger == nil {
		o.logger = aegis.NopLogger()
	}
	return o
}

// Name returns "ollama".
func (o *Ollama) Name() string { return "ollama" }

// Invoke sends one non-streaming chat call and returns the complete
// response with token and timing metrics.
func (o *Ollama) Invoke(ctx context.Context, req aegis.InvokeRequest) (*aegis.InvokeResponse, error) {
	ctx, cancel, ours := o.withDeadline(ctx)
	defer cancel()

	body := o.buildBody(req, false)
	resp, err := o.post(ctx, "/api/chat", body)
	if err != nil {
		return nil, o.mapErr(err, ours, "chat")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpErr(resp)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}
	return parseChat(cr), nil
}

// Stream sends a streaming chat call, invoking fn for every text delta.
// A non-nil error from fn aborts the stream and is returned unchanged.
// The final response carries the accumulated content, any tool calls,
// and the metrics from the terminal chunk.
func (o *Ollama) Stream(ctx context.Context, req aegis.InvokeRequest, fn func(delta string) error) (*aegis.InvokeResponse, error) {
	ctx, cancel, ours := o.withDeadline(ctx)
	defer cancel()

	body := o.buildBody(req, true)
	resp, err := o.post(ctx, "/api/chat", body)
	if err != nil {
		return nil, o.mapErr(err, ours, "chat stream")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpErr(resp)
	}

	out, err := readStream(resp.Body, fn)
	if err != nil {
		return nil, o.mapErr(err, ours, "chat stream")
	}
	return out, nil
}

// Embed returns one embedding vector per input text via /api/embed.
func (o *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel, ours := o.withDeadline(ctx)
	defer cancel()

	resp, err := o.post(ctx, "/api/embed", embedRequest{
		Model: o.embedModel,
		Input: texts,
	})
	if err != nil {
		return nil, o.mapErr(err, ours, "embed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpErr(resp)
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("ollama: decode embed response: %w", err)
	}
	if len(er.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama: embed returned %d vectors for %d inputs", len(er.Embeddings), len(texts))
	}
	return er.Embeddings, nil
}

// buildBody converts an InvokeRequest into the native chat format.
// Ollama tool results carry no call IDs, so the ID on tool-role
// messages is dropped on the wire.
func (o *Ollama) buildBody(req aegis.InvokeRequest, stream bool) chatRequest {
	msgs := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		cm := chatMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, wireToolCall{
				Function: wireFunc{Name: tc.Name, Arguments: tc.Args},
			})
		}
		msgs = append(msgs, cm)
	}

	body := chatRequest{
		Model:     o.model,
		Messages:  msgs,
		Stream:    stream,
		KeepAlive: o.keepAlive,
	}
	for _, t := range req.Tools {
		params := t.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		body.Tools = append(body.Tools, wireTool{
			Type: "function",
			Function: wireToolDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	if req.Temperature != nil {
		body.Options = &chatOptions{Temperature: req.Temperature}
	}
	return body
}

// post marshals body and sends it to path under the base URL.
func (o *Ollama) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	o.logger.Debug("ollama request", "path", path, "bytes", len(payload))
	return o.httpClient.Do(httpReq)
}

// withDeadline applies the per-call timeout unless the caller's context
// already expires sooner. The third return reports whether the deadline
// belongs to this provider, which decides TimeoutError mapping.
func (o *Ollama) withDeadline(ctx context.Context) (context.Context, context.CancelFunc, bool) {
	if o.timeout <= 0 {
		return ctx, func() {}, false
	}
	deadline := time.Now().Add(o.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}, false
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	return ctx, cancel, true
}

// mapErr converts our own expired deadline into a TimeoutError so callers
// can distinguish a slow model from an aborted request.
func (o *Ollama) mapErr(err error, ownDeadline bool, op string) error {
	if ownDeadline && errors.Is(err, context.DeadlineExceeded) {
		return &aegis.TimeoutError{Op: "ollama " + op, After: o.timeout}
	}
	return err
}

// parseChat converts a native response, synthesising IDs for tool calls
// since the wire format carries none.
func parseChat(cr chatResponse) *aegis.InvokeResponse {
	out := &aegis.InvokeResponse{
		Content: cr.Message.Content,
		Metrics: cr.metrics(),
	}
	for _, tc := range cr.Message.ToolCalls {
		args := tc.Function.Arguments
		if !json.Valid(args) || len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		out.ToolCalls = append(out.ToolCalls, aegis.ToolCall{
			ID:   aegis.NewID(),
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}

// httpErr reads the response body and returns an ErrHTTP for the retry
// middleware.
func httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &aegis.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: aegis.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface checks.
var (
	_ aegis.Provider          = (*Ollama)(nil)
	_ aegis.StreamingProvider = (*Ollama)(nil)
	_ aegis.EmbeddingProvider = (*Ollama)(nil)
)
