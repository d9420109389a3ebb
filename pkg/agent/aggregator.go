package agent

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/maude-dev/maude/pkg/model"
)

// pendingCall accumulates the fragments of one invocation.
type pendingCall struct {
	nativeID string
	name     string
	args     map[string]any
	partial  strings.Builder
}

// Aggregator collects tool-call fragments across the records of one backend
// turn. Fragments sharing a native id are merged; a fragment without one is
// a call of its own. Drain hands back the calls in arrival order and resets.
type Aggregator struct {
	calls []*pendingCall
	byID  map[string]*pendingCall
	newID func() string
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		byID:  make(map[string]*pendingCall),
		newID: func() string { return "call_" + uuid.NewString() },
	}
}

// Accumulate folds a native event into the current turn. Events other than
// tool-call chunks are ignored.
func (a *Aggregator) Accumulate(ne model.NativeEvent) {
	chunk, ok := ne.(model.ToolCallChunk)
	if !ok {
		return
	}
	for _, frag := range chunk.Fragments {
		call := a.lookup(frag.NativeID)
		if frag.Name != "" && call.name == "" {
			call.name = frag.Name
		}
		call.merge(frag.Arguments)
	}
}

func (a *Aggregator) lookup(nativeID string) *pendingCall {
	if nativeID != "" {
		if call, ok := a.byID[nativeID]; ok {
			return call
		}
	}
	call := &pendingCall{nativeID: nativeID}
	a.calls = append(a.calls, call)
	if nativeID != "" {
		a.byID[nativeID] = call
	}
	return call
}

// Len reports the number of calls pending in the current turn.
func (a *Aggregator) Len() int {
	return len(a.calls)
}

// Drain returns every complete call of the turn and resets the aggregator.
// Calls without a native id get a generated one.
func (a *Aggregator) Drain() []model.ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	out := make([]model.ToolCall, 0, len(a.calls))
	for _, call := range a.calls {
		id := call.nativeID
		if id == "" {
			id = a.newID()
		}
		out = append(out, model.ToolCall{
			ID:        id,
			Name:      call.name,
			Arguments: call.arguments(),
			NativeID:  call.nativeID,
		})
	}
	a.calls = nil
	a.byID = make(map[string]*pendingCall)
	return out
}

// merge handles both argument encodings: a JSON object merged key by key,
// or a JSON string holding a piece of the serialized object.
func (c *pendingCall) merge(raw json.RawMessage) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return
	}
	switch raw[0] {
	case '{':
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err == nil {
			if c.args == nil {
				c.args = make(map[string]any, len(obj))
			}
			for k, v := range obj {
				c.args[k] = v
			}
			return
		}
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			c.partial.WriteString(s)
			return
		}
	}
	c.partial.Write(raw)
}

func (c *pendingCall) arguments() map[string]any {
	args := make(map[string]any, len(c.args))
	for k, v := range c.args {
		args[k] = v
	}
	text := strings.TrimSpace(c.partial.String())
	if text == "" {
		return args
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		args["raw"] = text
		return args
	}
	for k, v := range obj {
		args[k] = v
	}
	return args
}
