package openaicompat

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

// DefaultTimeout bounds a single chat call.
const DefaultTimeout = 60 * time.Second

// Provider implements aegis.Provider for any OpenAI-compatible API.
// It uses the shared helpers in this package (BuildBody, StreamSSE,
// ParseResponse) to handle body building, streaming, and response parsing.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	timeout time.Duration
	opts    []Option
	logger  *slog.Logger
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "http://localhost:8000/v1",
// "http://localhost:11434/v1"). The /chat/completions path is appended
// automatically. Provider-level request options (WithMaxTokens, etc.)
// are applied to every request.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai-compat",
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = aegis.NopLogger()
	}
	return p
}

// Name returns the provider name (default "openai-compat", configurable
// via WithName).
func (p *Provider) Name() string { return p.name }

// Invoke sends a non-streaming chat request and returns the complete
// response. When req.Tools is non-empty, the response may contain
// tool calls.
func (p *Provider) Invoke(ctx context.Context, req aegis.InvokeRequest) (*aegis.InvokeResponse, error) {
	ctx, cancel, ours := p.withDeadline(ctx)
	defer cancel()

	body := BuildBody(req.Messages, req.Tools, p.model, p.requestOpts(req)...)

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return nil, p.mapErr(err, ours)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	return ParseResponse(chatResp), nil
}

// Stream streams text deltas through fn, then returns the final
// accumulated response. Tool call arguments accumulate across chunks
// and appear only on the returned response.
func (p *Provider) Stream(ctx context.Context, req aegis.InvokeRequest, fn func(delta string) error) (*aegis.InvokeResponse, error) {
	ctx, cancel, ours := p.withDeadline(ctx)
	defer cancel()

	body := BuildBody(req.Messages, req.Tools, p.model, p.requestOpts(req)...)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return nil, p.mapErr(err, ours)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.httpErr(resp)
	}

	out, err := StreamSSE(resp.Body, fn)
	if err != nil {
		return nil, p.mapErr(err, ours)
	}
	return out, nil
}

// requestOpts merges provider-level options with the per-request
// temperature. Per-request values win because options apply in order.
func (p *Provider) requestOpts(req aegis.InvokeRequest) []Option {
	if req.Temperature == nil {
		return p.opts
	}
	opts := make([]Option, len(p.opts), len(p.opts)+1)
	copy(opts, p.opts)
	return append(opts, WithTemperature(*req.Temperature))
}

// sendHTTP marshals the request body and sends it to the chat completions endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	p.logger.Debug("chat request", "provider", p.name, "bytes", len(payload))

	return p.client.Do(httpReq)
}

// withDeadline applies the per-call timeout unless the caller's context
// already expires sooner.
func (p *Provider) withDeadline(ctx context.Context) (context.Context, context.CancelFunc, bool) {
	if p.timeout <= 0 {
		return ctx, func() {}, false
	}
	deadline := time.Now().Add(p.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}, false
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	return ctx, cancel, true
}

// mapErr converts our own expired deadline into a TimeoutError.
func (p *Provider) mapErr(err error, ownDeadline bool) error {
	if ownDeadline && errors.Is(err, context.DeadlineExceeded) {
		return &aegis.TimeoutError{Op: p.name + " chat", After: p.timeout}
	}
	return err
}

// httpErr reads the response body and returns an ErrHTTP for retry middleware.
// Parses the Retry-After header when present (429/503 responses).
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &aegis.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: aegis.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface checks.
var (
	_ aegis.Provider          = (*Provider)(nil)
	_ aegis.StreamingProvider = (*Provider)(nil)
)
