package ollama

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/kelvaris/aegis"
)

// readStream consumes the newline-delimited JSON chat stream, invoking fn
// for each non-empty content delta. Tool calls and metrics are taken from
// whichever chunks carry them (tool calls arrive on intermediate chunks,
// counters on the terminal one).
func readStream(body io.Reader, fn func(delta string) error) (*aegis.InvokeResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var content strings.Builder
	out := &aegis.InvokeResponse{}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var chunk chatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			if fn != nil {
				if err := fn(chunk.Message.Content); err != nil {
					return nil, err
				}
			}
		}

		for _, tc := range chunk.Message.ToolCalls {
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

		if chunk.Done {
			out.Metrics = chunk.metrics()
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	out.Content = content.String()
	return out, nil
}
