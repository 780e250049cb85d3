package aegis

import (
	"encoding/json"
	"time"
)

// --- LLM protocol types ---

// Message is a single turn in an LLM exchange or a session transcript.
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at,omitzero"`
}

// ToolCall is an LLM-emitted request to invoke a named tool.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolResult is the outcome of executing one tool call.
type ToolResult struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Success   bool   `json:"success"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// ToolDescriptor is the metadata the LLM sees when a tool is bound.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"` // JSON Schema
}

// Metrics carries token counts and timing from LLM invocations.
// Zero-valued when the provider does not report them.
type Metrics struct {
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	PromptTime   time.Duration `json:"prompt_time"`
	GenTime      time.Duration `json:"gen_time"`
	TokensPerSec float64       `json:"tokens_per_sec"`
}

// Add combines two metric sets: tokens and times sum, and the
// generation rate is recomputed over the summed window.
func (m Metrics) Add(o Metrics) Metrics {
	out := Metrics{
		InputTokens:  m.InputTokens + o.InputTokens,
		OutputTokens: m.OutputTokens + o.OutputTokens,
		PromptTime:   m.PromptTime + o.PromptTime,
		GenTime:      m.GenTime + o.GenTime,
	}
	if out.GenTime > 0 {
		out.TokensPerSec = float64(out.OutputTokens) / out.GenTime.Seconds()
	}
	return out
}

// IsZero reports whether no token or timing data is present.
func (m Metrics) IsZero() bool {
	return m.InputTokens == 0 && m.OutputTokens == 0 && m.PromptTime == 0 && m.GenTime == 0
}

// Result is the dispatcher's answer to one user query.
type Result struct {
	Content      string `json:"content"`
	ArtifactPath string `json:"artifact_path,omitempty"`
	Metrics
}

// --- Inbound chat event ---

// Event is one normalised message event from the chat transport.
type Event struct {
	RoomID      string
	MessageID   string
	ParentID    string
	Text        string
	PersonID    string
	PersonEmail string
	PersonType  string // "person" or "bot"
	Resource    string // event resource, e.g. "messages"
	Verb        string // event verb, e.g. "created"
	Created     time.Time
}

// --- Message constructors ---

func UserMessage(text string) Message {
	return Message{Role: "user", Content: text}
}

func SystemMessage(text string) Message {
	return Message{Role: "system", Content: text}
}

func AssistantMessage(text string) Message {
	return Message{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) Message {
	return Message{Role: "tool", Content: content, ToolCallID: callID}
}
