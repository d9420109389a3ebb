// Package tool holds the tool registry, argument validation and the
// executor the orchestration loop calls for every tool request.
package tool

import "context"

// Tool is one named capability the model may invoke.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON Schema of the arguments object, or nil when
	// the tool accepts anything.
	Schema() map[string]any
	Execute(ctx context.Context, params map[string]any, workspace string) (Result, error)
}

// Result captures the outcome of a tool invocation. IsError results are
// still valid conversational content for the next turn.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// ErrorResult builds an is_error result from msg.
func ErrorResult(msg string) Result {
	return Result{Content: msg, IsError: true}
}

// Func adapts a plain function into a Tool.
type Func struct {
	ToolName        string
	ToolDescription string
	InputSchema     map[string]any
	Fn              func(ctx context.Context, params map[string]any, workspace string) (Result, error)
}

func (f *Func) Name() string           { return f.ToolName }
func (f *Func) Description() string    { return f.ToolDescription }
func (f *Func) Schema() map[string]any { return f.InputSchema }

func (f *Func) Execute(ctx context.Context, params map[string]any, workspace string) (Result, error) {
	if f.Fn == nil {
		return ErrorResult("tool " + f.ToolName + " has no implementation"), nil
	}
	return f.Fn(ctx, params, workspace)
}
