package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/maude-dev/maude/pkg/event"
	"github.com/maude-dev/maude/pkg/model"
	"github.com/maude-dev/maude/pkg/store"
	"github.com/maude-dev/maude/pkg/tool"
)

const defaultStreamBuffer = 32

// Policy holds the settings that may change while the runtime is live.
type Policy struct {
	System        string
	AllowTools    []string
	DenyTools     []string
	MaxIterations int
}

// Options configures a Runtime.
type Options struct {
	Backend  model.Backend
	Registry *tool.Registry
	// Executor overrides the executor built from Registry.
	Executor     ToolExecutor
	Store        store.Store
	DefaultModel string
	Workspace    string
	Policy       Policy
	// StreamBuffer sizes the channel returned by ChatStream.
	StreamBuffer int
}

// ChatRequest is one user message addressed to a conversation.
type ChatRequest struct {
	ConversationID string   `json:"conversation_id,omitempty"`
	Message        string   `json:"message"`
	Images         []string `json:"images,omitempty"`
	Model          string   `json:"model,omitempty"`
	Workspace      string   `json:"workspace,omitempty"`
}

// Runtime ties history, tools and persistence around the loop.
type Runtime struct {
	opts      Options
	executor  ToolExecutor
	finalizer *Finalizer

	mu     sync.RWMutex
	policy Policy

	now func() time.Time
}

// NewRuntime validates opts and returns a runtime.
func NewRuntime(opts Options) (*Runtime, error) {
	if opts.Backend == nil {
		return nil, ErrNoBackend
	}
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.Registry == nil {
		opts.Registry = tool.NewRegistry()
	}
	executor := opts.Executor
	if executor == nil {
		executor = tool.NewExecutor(opts.Registry)
	}
	return &Runtime{
		opts:      opts,
		executor:  executor,
		finalizer: NewFinalizer(opts.Store),
		policy:    opts.Policy,
		now:       time.Now,
	}, nil
}

// Policy returns the active policy.
func (r *Runtime) Policy() Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy
}

// SetPolicy replaces the policy for subsequent calls. Runs in flight keep
// the one they started with.
func (r *Runtime) SetPolicy(p Policy) {
	r.mu.Lock()
	r.policy = p
	r.mu.Unlock()
	log.Info(context.Background(),
		log.KV{K: "msg", V: "runtime policy updated"},
		log.KV{K: "max_iterations", V: p.MaxIterations},
		log.KV{K: "allow", V: strings.Join(p.AllowTools, ",")},
		log.KV{K: "deny", V: strings.Join(p.DenyTools, ",")},
	)
}

// Chat runs one call and writes its canonical events to sink. Errors
// returned before any event was written (bad request, history load
// failure) leave sink untouched.
func (r *Runtime) Chat(ctx context.Context, req ChatRequest, sink event.Sink) (Result, error) {
	loop, in, err := r.prepare(ctx, req)
	if err != nil {
		return Result{ConversationID: req.ConversationID, StopReason: StopError}, err
	}
	return loop.Run(ctx, in, sink)
}

// ChatStream is the channel form of Chat. The channel is closed after the
// terminal event. The run ends early when ctx is cancelled.
func (r *Runtime) ChatStream(ctx context.Context, req ChatRequest) (<-chan event.Event, error) {
	loop, in, err := r.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	buffer := r.opts.StreamBuffer
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	sink := event.NewChanSink(buffer)
	go func() {
		defer sink.Close()
		if _, err := loop.Run(ctx, in, sink); err != nil && !errors.Is(err, context.Canceled) {
			log.Debug(ctx, log.KV{K: "msg", V: "stream run ended with error"}, log.KV{K: "err", V: err.Error()})
		}
	}()
	return sink.Events(), nil
}

func (r *Runtime) prepare(ctx context.Context, req ChatRequest) (*Loop, Input, error) {
	text := strings.TrimSpace(req.Message)
	if text == "" && len(req.Images) == 0 {
		return nil, Input{}, fmt.Errorf("%w: message is empty", ErrInvalidRequest)
	}
	modelName := strings.TrimSpace(req.Model)
	if modelName == "" {
		modelName = r.opts.DefaultModel
	}
	if modelName == "" {
		return nil, Input{}, fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	workspace := req.Workspace
	if workspace == "" {
		workspace = r.opts.Workspace
	}
	policy := r.Policy()

	history, err := r.opts.Store.LoadMessages(ctx, conversationID)
	if err != nil {
		return nil, Input{}, fmt.Errorf("agent: load history: %w", err)
	}
	messages := store.Messages(history)
	user := model.Message{Role: "user", Content: text, Images: append([]string(nil), req.Images...)}
	messages = append(messages, user)

	userRec := store.Record{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           "user",
		Content:        store.TextContent(text),
		Model:          modelName,
		CreatedAt:      r.now().UTC(),
	}
	if err := r.opts.Store.InsertMessage(ctx, userRec); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "persist user message failed"}, log.KV{K: "conversation", V: conversationID})
	}

	loop := &Loop{
		Backend:       r.opts.Backend,
		Tools:         r.executor,
		Transcripts:   r.finalizer,
		MaxIterations: policy.MaxIterations,
	}
	in := Input{
		ConversationID: conversationID,
		Model:          modelName,
		System:         policy.System,
		Messages:       messages,
		Tools:          r.opts.Registry.Definitions(policy.AllowTools, policy.DenyTools),
		Workspace:      workspace,
	}
	return loop, in, nil
}
