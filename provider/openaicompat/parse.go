package openaicompat

import (
	"encoding/json"

	"github.com/kelvaris/aegis"
)

// ParseResponse converts an OpenAI-format ChatResponse to an aegis
// InvokeResponse. It extracts content, tool calls, and usage from
// choices[0]. Timing metrics are not on this wire format and stay zero.
func ParseResponse(resp ChatResponse) *aegis.InvokeResponse {
	out := &aegis.InvokeResponse{}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.Message != nil {
			out.Content = choice.Message.Content
			out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
		}
	}

	if resp.Usage != nil {
		out.Metrics.InputTokens = resp.Usage.PromptTokens
		out.Metrics.OutputTokens = resp.Usage.CompletionTokens
	}

	return out
}

// ParseToolCalls converts OpenAI tool call requests to aegis ToolCalls.
// OpenAI returns function.arguments as a JSON string; invalid JSON is
// replaced with an empty object so schema validation reports it cleanly.
// Calls that arrive without an ID get a synthesised one.
func ParseToolCalls(tcs []ToolCallRequest) []aegis.ToolCall {
	if len(tcs) == 0 {
		return nil
	}

	out := make([]aegis.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		id := tc.ID
		if id == "" {
			id = aegis.NewID()
		}
		out = append(out, aegis.ToolCall{
			ID:   id,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
