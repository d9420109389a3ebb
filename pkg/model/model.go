package model

import (
	"context"
	"io"
)

// Backend describes one conversational-model service. Stream performs a
// single streaming call and hands back the raw, line-delimited body; the
// caller owns closing it. Interpret turns one reassembled record into the
// backend's native events, returning nil for records that should be skipped.
type Backend interface {
	Stream(ctx context.Context, req Request) (io.ReadCloser, error)
	Interpret(record []byte) []NativeEvent
	ToolCapable(model string) bool
}

// Request is the immutable input to one backend call.
type Request struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	System   string           `json:"system,omitempty"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	Stream   bool             `json:"stream"`
}

// Message is one entry of the ordered conversation sequence.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Images     []string   `json:"images,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
}

// ToolCall is a complete, invocable tool request assembled from one backend
// turn. ID is always set; NativeID carries the backend's own correlation id
// when it supplied one.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	NativeID  string         `json:"native_id,omitempty"`
}

// ToolDefinition is the backend-agnostic description of an enabled tool.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// CloneMessages returns a deep-enough copy for appending without aliasing
// the caller's slice.
func CloneMessages(msgs []Message) []Message {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, msg := range msgs {
		out[i] = msg
		out[i].Images = append([]string(nil), msg.Images...)
		out[i].ToolCalls = CloneToolCalls(msg.ToolCalls)
	}
	return out
}

// CloneToolCalls copies calls and their argument maps.
func CloneToolCalls(calls []ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, len(calls))
	for i, call := range calls {
		out[i] = call
		if call.Arguments != nil {
			args := make(map[string]any, len(call.Arguments))
			for k, v := range call.Arguments {
				args[k] = v
			}
			out[i].Arguments = args
		}
	}
	return out
}
