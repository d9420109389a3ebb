package tool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"goa.design/clue/log"
)

// Executor runs registered tools on behalf of the orchestration loop. It
// never returns an error: every failure becomes an is_error Result.
type Executor struct {
	registry *Registry
	timeout  time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithTimeout bounds every tool run. Zero disables the bound.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d >= 0 {
			e.timeout = d
		}
	}
}

// NewExecutor binds an executor to registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{registry: registry}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Execute looks up name, validates params, and runs the tool in workspace.
func (e *Executor) Execute(ctx context.Context, name string, params map[string]any, workspace string) (res Result) {
	if e == nil || e.registry == nil {
		return ErrorResult(fmt.Sprintf("tool %s not found", name))
	}
	t, err := e.registry.Get(name)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if v := e.registry.currentValidator(); v != nil {
		if err := v.Validate(params, t.Schema()); err != nil {
			return ErrorResult(fmt.Sprintf("tool %s validation failed: %v", name, err))
		}
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error(ctx, fmt.Errorf("tool %s panicked: %v", name, r), log.KV{K: "stack", V: string(debug.Stack())})
			res = ErrorResult(fmt.Sprintf("tool %s panicked: %v", name, r))
		}
	}()

	out, err := t.Execute(ctx, params, workspace)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && e.timeout > 0 {
			return ErrorResult(fmt.Sprintf("tool %s timed out after %s", name, e.timeout))
		}
		msg := err.Error()
		if out.Content != "" {
			msg = out.Content + "\n" + msg
		}
		return ErrorResult(msg)
	}
	return out
}
