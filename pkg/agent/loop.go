// Package agent drives streaming conversations: it runs backend turns,
// executes requested tools between them and persists the final transcript.
package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"github.com/maude-dev/maude/pkg/event"
	"github.com/maude-dev/maude/pkg/model"
	"github.com/maude-dev/maude/pkg/ndjson"
	"github.com/maude-dev/maude/pkg/telemetry"
	"github.com/maude-dev/maude/pkg/tool"
)

// DefaultMaxIterations bounds the backend calls of one run.
const DefaultMaxIterations = 10

// Terminal reasons reported in Result.StopReason besides the turn_end
// vocabulary.
const (
	StopError    = "error"
	StopCanceled = "canceled"
)

// ToolExecutor runs one tool call. Failures are reported through
// Result.IsError, never as an error. *tool.Executor satisfies it.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, params map[string]any, workspace string) tool.Result
}

// Input is everything one run needs.
type Input struct {
	ConversationID string
	Model          string
	System         string
	Messages       []model.Message
	Tools          []model.ToolDefinition
	Workspace      string
}

// Result summarises a run. It is returned on every path, including errors.
type Result struct {
	ConversationID string
	Text           string
	Usage          model.Usage
	StopReason     string
	Iterations     int
	Messages       []model.Message
}

// Loop is the orchestration loop. A Loop holds no per-run state and may be
// shared by concurrent runs.
type Loop struct {
	Backend       model.Backend
	Tools         ToolExecutor
	Transcripts   TranscriptSink
	MaxIterations int

	newStreamID func() string
}

// loopState is owned by a single Run.
type loopState struct {
	messages  []model.Message
	remaining int
}

func (l *Loop) ceiling() int {
	if l.MaxIterations <= 0 {
		return DefaultMaxIterations
	}
	return l.MaxIterations
}

// Run streams one logical call to sink. Backend turns continue while the
// model asks for tools, up to the iteration ceiling. Every path ends with
// exactly one terminal event (stream_end or error) unless the sink itself
// went away, and the transcript sink is invoked exactly once.
//
// The returned error is a *TransportError when the backend failed, the
// sink or context error when the consumer went away, and nil otherwise,
// including when the ceiling was reached.
func (l *Loop) Run(ctx context.Context, in Input, sink event.Sink) (res Result, err error) {
	if l.Backend == nil {
		return Result{StopReason: StopError}, ErrNoBackend
	}
	ctx, span := telemetry.StartSpan(ctx, "agent.run",
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("llm.model", in.Model),
			attribute.String("conversation.id", in.ConversationID),
			attribute.Int("llm.tools_count", len(in.Tools)),
		)...),
	)
	streamID := "msg_" + uuid.NewString()
	if l.newStreamID != nil {
		streamID = l.newStreamID()
	}
	em := event.NewEmitter(sink, streamID, in.Model)
	state := loopState{messages: model.CloneMessages(in.Messages), remaining: l.ceiling()}

	defer func() {
		res.ConversationID = in.ConversationID
		res.Text = em.Text()
		res.Usage = em.Usage()
		res.Messages = state.messages
		span.SetAttributes(
			attribute.String("agent.stop_reason", res.StopReason),
			attribute.Int("agent.iterations", res.Iterations),
		)
		telemetry.EndSpan(span, err)
		if l.Transcripts != nil {
			l.Transcripts.Finalize(ctx, Transcript{
				ConversationID: in.ConversationID,
				Text:           res.Text,
				Usage:          res.Usage,
				Model:          in.Model,
				StopReason:     res.StopReason,
			})
		}
		log.Info(ctx,
			log.KV{K: "msg", V: "run finished"},
			log.KV{K: "conversation", V: in.ConversationID},
			log.KV{K: "stop_reason", V: res.StopReason},
			log.KV{K: "iterations", V: res.Iterations},
		)
	}()

	if err := em.Start(ctx); err != nil {
		res.StopReason = StopCanceled
		return res, err
	}

	var tools []model.ToolDefinition
	if len(in.Tools) > 0 {
		if l.Backend.ToolCapable(in.Model) {
			tools = in.Tools
		} else {
			log.Debug(ctx, log.KV{K: "msg", V: "model is not tool capable, tools withheld"}, log.KV{K: "model", V: in.Model})
		}
	}
	agg := NewAggregator()

	for state.remaining > 0 {
		if err := ctx.Err(); err != nil {
			res.StopReason = StopCanceled
			return res, err
		}
		res.Iterations++
		textBefore := len(em.Text())
		req := model.Request{
			Model:    in.Model,
			Messages: state.messages,
			System:   in.System,
			Tools:    tools,
			Stream:   true,
		}
		if err := l.turn(ctx, res.Iterations, req, em, agg); err != nil {
			var te *TransportError
			if errors.As(err, &te) {
				res.StopReason = StopError
				if sendErr := em.Fail(ctx, event.ErrorKindTransport, te.Err); sendErr != nil {
					log.Warn(ctx, log.KV{K: "msg", V: "error event not delivered"}, log.KV{K: "err", V: sendErr.Error()})
				}
				log.Error(ctx, err, log.KV{K: "msg", V: "backend call failed"}, log.KV{K: "conversation", V: in.ConversationID})
				return res, err
			}
			res.StopReason = StopCanceled
			return res, err
		}

		calls := agg.Drain()
		if len(calls) == 0 {
			res.StopReason = stopReasonFor(em.CompletionReason())
			if err := em.Finish(ctx, res.StopReason); err != nil {
				res.StopReason = StopCanceled
				return res, err
			}
			return res, nil
		}

		state.messages = append(state.messages, model.Message{
			Role:      "assistant",
			Content:   em.Text()[textBefore:],
			ToolCalls: calls,
		})
		for _, call := range calls {
			if err := ctx.Err(); err != nil {
				res.StopReason = StopCanceled
				return res, err
			}
			result := l.runTool(ctx, call, in.Workspace)
			state.messages = append(state.messages, model.Message{
				Role:       "tool",
				Content:    result.Content,
				ToolCallID: call.ID,
				ToolName:   call.Name,
			})
			if err := em.ToolResult(ctx, event.ToolResultData{
				ToolUseID: call.ID,
				Name:      call.Name,
				Content:   result.Content,
				IsError:   result.IsError,
			}); err != nil {
				res.StopReason = StopCanceled
				return res, err
			}
		}
		state.remaining--
	}

	res.StopReason = event.StopIterationLimit
	log.Warn(ctx,
		log.KV{K: "msg", V: "iteration ceiling reached"},
		log.KV{K: "conversation", V: in.ConversationID},
		log.KV{K: "ceiling", V: l.ceiling()},
	)
	if err := em.Finish(ctx, event.StopIterationLimit); err != nil {
		res.StopReason = StopCanceled
		return res, err
	}
	return res, nil
}

// turn performs one backend call and drives its records through the
// emitter and the aggregator until the body ends.
func (l *Loop) turn(ctx context.Context, iteration int, req model.Request, em *event.Emitter, agg *Aggregator) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "agent.turn",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int("agent.iteration", iteration),
			attribute.Int("llm.messages_count", len(req.Messages)),
			attribute.Bool("llm.tools", len(req.Tools) > 0),
		),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	body, err := l.Backend.Stream(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &TransportError{Iteration: iteration, Err: err}
	}
	defer body.Close()

	var sinkErr error
	scanErr := ndjson.Scan(ctx, body, func(record []byte) error {
		for _, ne := range l.Backend.Interpret(record) {
			if fault, ok := ne.(model.StreamFault); ok {
				return &TransportError{Iteration: iteration, Err: errors.New(fault.Message)}
			}
			agg.Accumulate(ne)
			if err := em.Emit(ctx, ne); err != nil {
				sinkErr = err
				return err
			}
		}
		return nil
	})
	switch {
	case scanErr == nil:
		return nil
	case sinkErr != nil:
		return sinkErr
	case ctx.Err() != nil:
		return ctx.Err()
	}
	var te *TransportError
	if errors.As(scanErr, &te) {
		return te
	}
	return &TransportError{Iteration: iteration, Err: scanErr}
}

func (l *Loop) runTool(ctx context.Context, call model.ToolCall, workspace string) (res tool.Result) {
	ctx, span := telemetry.StartSpan(ctx, "agent.tool",
		trace.WithAttributes(
			attribute.String("tool.name", call.Name),
			attribute.String("tool.call_id", call.ID),
		),
	)
	defer func() {
		span.SetAttributes(attribute.Bool("tool.error", res.IsError))
		telemetry.EndSpan(span, nil)
	}()
	if l.Tools == nil {
		return tool.ErrorResult("tool " + call.Name + " not found")
	}
	res = l.Tools.Execute(ctx, call.Name, call.Arguments, workspace)
	if res.IsError {
		log.Warn(ctx,
			log.KV{K: "msg", V: "tool returned an error"},
			log.KV{K: "tool", V: call.Name},
			log.KV{K: "content", V: telemetry.MaskText(res.Content)},
		)
	}
	return res
}

// stopReasonFor maps the backend's done reason onto turn_end vocabulary.
func stopReasonFor(doneReason string) string {
	switch strings.ToLower(strings.TrimSpace(doneReason)) {
	case "length", "max_tokens":
		return event.StopMaxTokens
	default:
		return event.StopEndTurn
	}
}
