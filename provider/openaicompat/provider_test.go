package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kelvaris/aegis"
)

func TestProvider_Invoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify request.
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected path /chat/completions, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content-type: %s", r.Header.Get("Content-Type"))
		}

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "qwen3:8b" {
			t.Errorf("expected model qwen3:8b, got %s", req.Model)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ChatResponse{
			ID: "chatcmpl-1",
			Choices: []Choice{{
				Index:   0,
				Message: &ChoiceMessage{Role: "assistant", Content: "Hello!"},
			}},
			Usage: &Usage{PromptTokens: 5, CompletionTokens: 2},
		})
	}))
	defer srv.Close()

	p := NewProvider("test-key", "qwen3:8b", srv.URL)

	resp, err := p.Invoke(context.Background(), aegis.InvokeRequest{
		Messages: []aegis.Message{aegis.UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}

	if resp.Content != "Hello!" {
		t.Errorf("expected content 'Hello!', got %q", resp.Content)
	}
	if resp.Metrics.InputTokens != 5 {
		t.Errorf("expected 5 input tokens, got %d", resp.Metrics.InputTokens)
	}
	if resp.Metrics.OutputTokens != 2 {
		t.Errorf("expected 2 output tokens, got %d", resp.Metrics.OutputTokens)
	}
}

func TestProvider_InvokeWithTools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		if len(req.Tools) != 1 {
			t.Fatalf("expected 1 tool, got %d", len(req.Tools))
		}
		if req.Tools[0].Function.Name != "lookup_virustotal" {
			t.Errorf("expected tool name 'lookup_virustotal', got %q", req.Tools[0].Function.Name)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ChatResponse{
			ID: "chatcmpl-2",
			Choices: []Choice{{
				Index: 0,
				Message: &ChoiceMessage{
					Role: "assistant",
					ToolCalls: []ToolCallRequest{{
						ID:   "call_abc",
						Type: "function",
						Function: FunctionCall{
							Name:      "lookup_virustotal",
							Arguments: `{"ioc":"evil.com"}`,
						},
					}},
				},
			}},
			Usage: &Usage{PromptTokens: 10, CompletionTokens: 8},
		})
	}))
	defer srv.Close()

	p := NewProvider("test-key", "qwen3:8b", srv.URL)

	resp, err := p.Invoke(context.Background(), aegis.InvokeRequest{
		Messages: []aegis.Message{aegis.UserMessage("Check evil.com")},
		Tools: []aegis.ToolDescriptor{{
			Name:        "lookup_virustotal",
			Description: "Look up an IOC",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"ioc":{"type":"string"}}}`),
		}},
	})
	if err != nil {
		t.Fatalf("Invoke with tools returned error: %v", err)
	}

	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Name != "lookup_virustotal" {
		t.Errorf("unexpected tool call name %q", resp.ToolCalls[0].Name)
	}
}

func TestProvider_PerRequestTemperature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		// Per-request temperature overrides the provider default.
		if req.Temperature == nil || *req.Temperature != 0.0 {
			t.Errorf("unexpected temperature: %v", req.Temperature)
		}
		if req.MaxTokens != 256 {
			t.Errorf("expected provider-level max tokens 256, got %d", req.MaxTokens)
		}

		json.NewEncoder(w).Encode(ChatResponse{
			Choices: []Choice{{Message: &ChoiceMessage{Content: "ok"}}},
		})
	}))
	defer srv.Close()

	p := NewProvider("", "qwen3:8b", srv.URL,
		WithOptions(WithTemperature(0.7), WithMaxTokens(256)))

	temp := 0.0
	_, err := p.Invoke(context.Background(), aegis.InvokeRequest{
		Messages:    []aegis.Message{aegis.UserMessage("hi")},
		Temperature: &temp,
	})
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}
}

func TestProvider_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"overloaded"}`)
	}))
	defer srv.Close()

	p := NewProvider("", "qwen3:8b", srv.URL)
	_, err := p.Invoke(context.Background(), aegis.InvokeRequest{
		Messages: []aegis.Message{aegis.UserMessage("hi")},
	})

	var httpErr *aegis.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected ErrHTTP, got %v", err)
	}
	if httpErr.Status != 503 {
		t.Errorf("expected status 503, got %d", httpErr.Status)
	}
	if httpErr.RetryAfter != 3*time.Second {
		t.Errorf("expected Retry-After 3s, got %s", httpErr.RetryAfter)
	}
}

func TestProvider_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(ChatResponse{})
	}))
	defer srv.Close()

	p := NewProvider("", "qwen3:8b", srv.URL, WithTimeout(20*time.Millisecond))
	_, err := p.Invoke(context.Background(), aegis.InvokeRequest{
		Messages: []aegis.Message{aegis.UserMessage("hi")},
	})

	if !aegis.IsTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestProvider_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("expected stream=true")
		}
		if req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Error("expected stream_options.include_usage=true")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, buildSSE(
			`{"choices":[{"index":0,"delta":{"content":"Hi"}}]}`,
			`{"choices":[{"index":0,"delta":{"content":" there"}}],"usage":{"prompt_tokens":4,"completion_tokens":2}}`,
			"[DONE]",
		))
	}))
	defer srv.Close()

	p := NewProvider("", "qwen3:8b", srv.URL)

	var got string
	resp, err := p.Stream(context.Background(), aegis.InvokeRequest{
		Messages: []aegis.Message{aegis.UserMessage("hi")},
	}, func(delta string) error {
		got += delta
		return nil
	})
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}
	if got != "Hi there" || resp.Content != "Hi there" {
		t.Errorf("unexpected content: callback %q, response %q", got, resp.Content)
	}
	if resp.Metrics.InputTokens != 4 {
		t.Errorf("unexpected metrics: %+v", resp.Metrics)
	}
}
