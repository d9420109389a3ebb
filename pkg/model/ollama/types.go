package ollama

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	chatPath       = "/api/chat"
	defaultBaseURL = "http://127.0.0.1:11434"
	userAgent      = "maude/1.0"
)

// ChatRequest mirrors the body accepted by /api/chat.
type ChatRequest struct {
	Model     string          `json:"model"`
	Messages  []ChatMessage   `json:"messages"`
	Tools     []Tool          `json:"tools,omitempty"`
	Stream    bool            `json:"stream"`
	Options   map[string]any  `json:"options,omitempty"`
	KeepAlive string          `json:"keep_alive,omitempty"`
	Format    json.RawMessage `json:"format,omitempty"`
}

// ChatMessage is a single conversation entry on the wire.
type ChatMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Images    []string   `json:"images,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"`
}

// ToolCall is a function invocation as the backend reports or accepts it.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the name and arguments of a tool call. Arguments is
// kept raw: it is usually an object but some models stream it as a string.
type FunctionCall struct {
	Index     *int            `json:"index,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Tool is the function schema shape accepted in ChatRequest.Tools.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes one callable function.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatResponse is one streamed NDJSON record.
type ChatResponse struct {
	Model           string           `json:"model,omitempty"`
	CreatedAt       string           `json:"created_at,omitempty"`
	Message         *ResponseMessage `json:"message,omitempty"`
	Done            bool             `json:"done"`
	DoneReason      string           `json:"done_reason,omitempty"`
	PromptEvalCount int              `json:"prompt_eval_count,omitempty"`
	EvalCount       int              `json:"eval_count,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// ResponseMessage is the message fragment of a streamed record.
type ResponseMessage struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	Thinking  string     `json:"thinking,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// APIError surfaces a non-success HTTP status with the response body.
type APIError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ollama API error (%d)", e.StatusCode)
	switch {
	case e.Message != "":
		b.WriteString(": ")
		b.WriteString(e.Message)
	case e.Body != "":
		b.WriteString(": ")
		b.WriteString(e.Body)
	}
	return b.String()
}

type errorResponse struct {
	Error string `json:"error"`
}
