package ollama

import (
	"encoding/json"
	"strings"

	"github.com/maude-dev/maude/pkg/model"
)

// Interpret decodes one NDJSON record into native events. Malformed records
// and records of no known shape yield nil. A single record may carry text,
// tool calls and the completion marker together; they are returned in that
// order.
func (c *Client) Interpret(record []byte) []model.NativeEvent {
	return Interpret(record)
}

// Interpret is the stateless form of Client.Interpret.
func Interpret(record []byte) []model.NativeEvent {
	var resp ChatResponse
	if err := json.Unmarshal(record, &resp); err != nil {
		return nil
	}
	if msg := strings.TrimSpace(resp.Error); msg != "" {
		return []model.NativeEvent{model.StreamFault{Message: msg}}
	}
	var events []model.NativeEvent
	if resp.Message != nil {
		if resp.Message.Content != "" {
			events = append(events, model.TextDelta{Text: resp.Message.Content})
		}
		if frags := toFragments(resp.Message.ToolCalls); len(frags) > 0 {
			events = append(events, model.ToolCallChunk{Fragments: frags})
		}
	}
	if resp.Done {
		events = append(events, model.Completion{
			PromptTokens:   resp.PromptEvalCount,
			ResponseTokens: resp.EvalCount,
			Reason:         resp.DoneReason,
		})
	}
	return events
}

func toFragments(calls []ToolCall) []model.ToolCallFragment {
	if len(calls) == 0 {
		return nil
	}
	out := make([]model.ToolCallFragment, 0, len(calls))
	for _, call := range calls {
		name := strings.TrimSpace(call.Function.Name)
		args := call.Function.Arguments
		if name == "" && len(args) == 0 {
			continue
		}
		out = append(out, model.ToolCallFragment{
			NativeID:  strings.TrimSpace(call.ID),
			Name:      name,
			Arguments: append(json.RawMessage(nil), args...),
		})
	}
	return out
}
