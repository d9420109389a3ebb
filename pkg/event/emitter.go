package event

import (
	"context"
	"errors"
	"strings"

	"github.com/maude-dev/maude/pkg/model"
)

const textBlockIndex = 0

// Emitter maps native events onto the canonical vocabulary for one whole
// call. stream_start and the text block pair are emitted once no matter how
// many backend turns the call spans. An Emitter is owned by a single
// goroutine.
type Emitter struct {
	sink  Sink
	id    string
	model string

	started   bool
	blockOpen bool
	finished  bool

	text   strings.Builder
	usage  model.Usage
	reason string
}

// NewEmitter binds an emitter to sink. id and modelName populate stream_start.
func NewEmitter(sink Sink, id, modelName string) *Emitter {
	return &Emitter{sink: sink, id: id, model: modelName}
}

// Start emits stream_start. Repeated calls are no-ops.
func (e *Emitter) Start(ctx context.Context) error {
	if e.started {
		return nil
	}
	e.started = true
	return e.send(ctx, TypeStreamStart, StreamStartData{ID: e.id, Role: "assistant", Model: e.model})
}

// Emit handles one native event. Text is appended to the single text block,
// opening it on first use; completion only records usage. Other variants
// are ignored here.
func (e *Emitter) Emit(ctx context.Context, ne model.NativeEvent) error {
	switch ev := ne.(type) {
	case model.TextDelta:
		if ev.Text == "" {
			return nil
		}
		if err := e.openBlock(ctx); err != nil {
			return err
		}
		if err := e.send(ctx, TypeDelta, DeltaData{Index: textBlockIndex, Text: ev.Text}); err != nil {
			return err
		}
		e.text.WriteString(ev.Text)
		return nil
	case model.Completion:
		e.usage = ev.Usage()
		e.reason = ev.Reason
	}
	return nil
}

// ToolResult emits the tool_result side-channel event.
func (e *Emitter) ToolResult(ctx context.Context, data ToolResultData) error {
	return e.send(ctx, TypeToolResult, data)
}

// Finish closes the text block, reports usage with stopReason, and ends the
// stream. A call that produced no text still gets an empty block.
func (e *Emitter) Finish(ctx context.Context, stopReason string) error {
	if e.finished {
		return nil
	}
	if err := e.openBlock(ctx); err != nil {
		return err
	}
	e.finished = true
	if err := e.send(ctx, TypeBlockStop, BlockStopData{Index: textBlockIndex}); err != nil {
		return err
	}
	if err := e.send(ctx, TypeTurnEnd, TurnEndData{
		StopReason:   stopReason,
		InputTokens:  e.usage.InputTokens,
		OutputTokens: e.usage.OutputTokens,
	}); err != nil {
		return err
	}
	return e.send(ctx, TypeStreamEnd, nil)
}

// Fail emits a single error event. The stream ends with it; no
// block_stop, turn_end or stream_end follow.
func (e *Emitter) Fail(ctx context.Context, kind string, err error) error {
	if e.finished {
		return nil
	}
	e.finished = true
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return e.send(ctx, TypeError, ErrorData{Kind: kind, Message: msg})
}

// Text returns every delta emitted so far, concatenated.
func (e *Emitter) Text() string {
	return e.text.String()
}

// Usage returns the most recent completion counts.
func (e *Emitter) Usage() model.Usage {
	return e.usage
}

// CompletionReason returns the backend's reason from the last completion.
func (e *Emitter) CompletionReason() string {
	return e.reason
}

// Finished reports whether a terminal event was produced.
func (e *Emitter) Finished() bool {
	return e.finished
}

func (e *Emitter) openBlock(ctx context.Context) error {
	if e.blockOpen {
		return nil
	}
	if !e.started {
		if err := e.Start(ctx); err != nil {
			return err
		}
	}
	e.blockOpen = true
	return e.send(ctx, TypeBlockStart, BlockStartData{Index: textBlockIndex, Kind: BlockKindText})
}

func (e *Emitter) send(ctx context.Context, typ Type, data any) error {
	if e.sink == nil {
		return errors.New("event: emitter has no sink")
	}
	return e.sink.Send(ctx, Event{Type: typ, Data: data})
}
