package agent

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/maude-dev/maude/pkg/event"
	"github.com/maude-dev/maude/pkg/model"
	"github.com/maude-dev/maude/pkg/model/ollama"
	"github.com/maude-dev/maude/pkg/tool"
)

// turnScript is the canned response of one backend call.
type turnScript struct {
	records []string
	err     error
}

// scriptedBackend replays turns in order; next, when set, produces turns
// past the end of the script.
type scriptedBackend struct {
	mu          sync.Mutex
	turns       []turnScript
	next        func(call int) turnScript
	requests    []model.Request
	incapable   bool
	chunkLength int
}

func (b *scriptedBackend) Stream(_ context.Context, req model.Request) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req.Messages = model.CloneMessages(req.Messages)
	b.requests = append(b.requests, req)
	call := len(b.requests) - 1
	var script turnScript
	switch {
	case call < len(b.turns):
		script = b.turns[call]
	case b.next != nil:
		script = b.next(call)
	default:
		script = turnScript{records: []string{doneRecord(0, 0, "stop")}}
	}
	if script.err != nil {
		return nil, script.err
	}
	body := strings.Join(script.records, "\n") + "\n"
	if b.chunkLength > 0 {
		return io.NopCloser(&chunkedReader{data: []byte(body), n: b.chunkLength}), nil
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (b *scriptedBackend) Interpret(record []byte) []model.NativeEvent {
	return ollama.Interpret(record)
}

func (b *scriptedBackend) ToolCapable(string) bool {
	return !b.incapable
}

func (b *scriptedBackend) Requests() []model.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Request(nil), b.requests...)
}

// chunkedReader hands out at most n bytes per Read.
type chunkedReader struct {
	data []byte
	n    int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.n
	if n > len(p) {
		n = len(p)
	}
	if n > len(r.data) {
		n = len(r.data)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func textRecord(text string) string {
	data, _ := json.Marshal(map[string]any{
		"model":   "llama3.2",
		"message": map[string]any{"role": "assistant", "content": text},
		"done":    false,
	})
	return string(data)
}

func toolRecord(name string, args map[string]any) string {
	data, _ := json.Marshal(map[string]any{
		"model": "llama3.2",
		"message": map[string]any{
			"role":    "assistant",
			"content": "",
			"tool_calls": []map[string]any{
				{"function": map[string]any{"name": name, "arguments": args}},
			},
		},
		"done": false,
	})
	return string(data)
}

func doneRecord(prompt, response int, reason string) string {
	data, _ := json.Marshal(map[string]any{
		"model":             "llama3.2",
		"message":           map[string]any{"role": "assistant", "content": ""},
		"done":              true,
		"done_reason":       reason,
		"prompt_eval_count": prompt,
		"eval_count":        response,
	})
	return string(data)
}

// recordingTranscripts counts finalizer invocations.
type recordingTranscripts struct {
	mu    sync.Mutex
	calls []Transcript
}

func (r *recordingTranscripts) Finalize(_ context.Context, t Transcript) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, t)
}

func (r *recordingTranscripts) Calls() []Transcript {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transcript(nil), r.calls...)
}

// toolFunc adapts a function to ToolExecutor.
type toolFunc func(ctx context.Context, name string, params map[string]any, workspace string) tool.Result

func (f toolFunc) Execute(ctx context.Context, name string, params map[string]any, workspace string) tool.Result {
	return f(ctx, name, params, workspace)
}

func typesOf(events []event.Event) []string {
	out := make([]string, len(events))
	for i, evt := range events {
		out[i] = string(evt.Type)
	}
	return out
}

func countType(events []event.Event, typ event.Type) int {
	n := 0
	for _, evt := range events {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

func fixedStreamID(t *testing.T) func() string {
	t.Helper()
	return func() string { return "msg_test" }
}
