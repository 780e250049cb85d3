package ollama

import (
	"encoding/json"
	"time"

	"github.com/kelvaris/aegis"
)

// chatRequest is the native /api/chat request body.
type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Stream    bool          `json:"stream"`
	Tools     []wireTool    `json:"tools,omitempty"`
	Options   *chatOptions  `json:"options,omitempty"`
	KeepAlive string        `json:"keep_alive,omitempty"`
}

type chatOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireTool struct {
	Type     string      `json:"type"` // always "function"
	Function wireToolDef `json:"function"`
}

type wireToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// wireToolCall is a tool call on the wire. Arguments arrive as a JSON
// object, not the string encoding of one, and there is no call ID.
type wireToolCall struct {
	Function wireFunc `json:"function"`
}

type wireFunc struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// chatResponse is one /api/chat response object. When streaming, every
// NDJSON line decodes into this shape; counts and durations are only
// present on the terminal done=true chunk. Durations are nanoseconds.
type chatResponse struct {
	Message            chatMessage `json:"message"`
	Done               bool        `json:"done"`
	DoneReason         string      `json:"done_reason,omitempty"`
	PromptEvalCount    int         `json:"prompt_eval_count,omitempty"`
	EvalCount          int         `json:"eval_count,omitempty"`
	PromptEvalDuration int64       `json:"prompt_eval_duration,omitempty"`
	EvalDuration       int64       `json:"eval_duration,omitempty"`
}

// metrics converts the response counters into aegis.Metrics, computing
// the generation rate from eval_count over eval_duration.
func (cr chatResponse) metrics() aegis.Metrics {
	m := aegis.Metrics{
		InputTokens:  cr.PromptEvalCount,
		OutputTokens: cr.EvalCount,
		PromptTime:   time.Duration(cr.PromptEvalDuration),
		GenTime:      time.Duration(cr.EvalDuration),
	}
	if m.GenTime > 0 {
		m.TokensPerSec = float64(m.OutputTokens) / m.GenTime.Seconds()
	}
	return m
}

// embedRequest is the /api/embed request body.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse carries one vector per input.
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}
