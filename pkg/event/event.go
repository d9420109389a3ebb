package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
)

// Type 表示规范事件类型。
type Type string

const (
	TypeStreamStart Type = "stream_start"
	TypeBlockStart  Type = "block_start"
	TypeDelta       Type = "delta"
	TypeBlockStop   Type = "block_stop"
	TypeTurnEnd     Type = "turn_end"
	TypeStreamEnd   Type = "stream_end"
	TypeError       Type = "error"

	// TypeToolResult 为旁路事件，每次工具执行后发送一次。
	TypeToolResult Type = "tool_result"
)

// Stop reasons carried by turn_end. The first three share the Messages API
// vocabulary so existing front ends can render them unchanged.
const (
	StopEndTurn        = string(anthropic.StopReasonEndTurn)
	StopMaxTokens      = string(anthropic.StopReasonMaxTokens)
	StopToolUse        = string(anthropic.StopReasonToolUse)
	StopIterationLimit = "iteration_limit"
)

// Error kinds carried by error events.
const (
	ErrorKindTransport = "transport"
	ErrorKindInternal  = "internal"
	ErrorKindRequest   = "request"
)

// BlockKindText is the only block kind emitted today.
const BlockKindText = "text"

var knownTypes = map[Type]func() any{
	TypeStreamStart: func() any { return &StreamStartData{} },
	TypeBlockStart:  func() any { return &BlockStartData{} },
	TypeDelta:       func() any { return &DeltaData{} },
	TypeBlockStop:   func() any { return &BlockStopData{} },
	TypeTurnEnd:     func() any { return &TurnEndData{} },
	TypeStreamEnd:   nil,
	TypeError:       func() any { return &ErrorData{} },
	TypeToolResult:  func() any { return &ToolResultData{} },
}

// Event 是一次规范事件推送；序列化时 Data 的字段与 type 平铺在同一对象中。
type Event struct {
	Type Type
	Data any
}

// StreamStartData 开启整个调用的事件流。
type StreamStartData struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	Model string `json:"model"`
}

// BlockStartData 开启一个内容块。
type BlockStartData struct {
	Index int    `json:"index"`
	Kind  string `json:"kind"`
}

// DeltaData 向已开启的块追加文本。
type DeltaData struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// BlockStopData 关闭内容块。
type BlockStopData struct {
	Index int `json:"index"`
}

// TurnEndData 汇总结束原因与 token 用量。
type TurnEndData struct {
	StopReason   string `json:"stop_reason"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// ErrorData 描述不可恢复的失败。
type ErrorData struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ToolResultData 描述一次工具执行结果。
type ToolResultData struct {
	ToolUseID string `json:"tool_use_id"`
	Name      string `json:"name"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

// Validate 检查事件类型与负载是否匹配。
func (e Event) Validate() error {
	if e.Type == "" {
		return errors.New("event: type is empty")
	}
	if _, ok := knownTypes[e.Type]; !ok {
		return fmt.Errorf("event: unknown type %q", e.Type)
	}
	return nil
}

// MarshalJSON flattens Data next to the type discriminator.
func (e Event) MarshalJSON() ([]byte, error) {
	head, err := json.Marshal(struct {
		Type Type `json:"type"`
	}{e.Type})
	if err != nil {
		return nil, err
	}
	if e.Data == nil {
		return head, nil
	}
	body, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("event: marshal %s payload: %w", e.Type, err)
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("event: %s payload must be an object", e.Type)
	}
	if len(bytes.TrimSpace(body[1:len(body)-1])) == 0 {
		return head, nil
	}
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// UnmarshalJSON decodes a flattened frame into the typed payload.
func (e *Event) UnmarshalJSON(data []byte) error {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("event: decode: %w", err)
	}
	factory, ok := knownTypes[head.Type]
	if !ok {
		return fmt.Errorf("event: unknown type %q", head.Type)
	}
	e.Type = head.Type
	e.Data = nil
	if factory == nil {
		return nil
	}
	payload := factory()
	if err := json.Unmarshal(data, payload); err != nil {
		return fmt.Errorf("event: decode %s payload: %w", head.Type, err)
	}
	e.Data = deref(payload)
	return nil
}

func deref(v any) any {
	switch p := v.(type) {
	case *StreamStartData:
		return *p
	case *BlockStartData:
		return *p
	case *DeltaData:
		return *p
	case *BlockStopData:
		return *p
	case *TurnEndData:
		return *p
	case *ErrorData:
		return *p
	case *ToolResultData:
		return *p
	default:
		return v
	}
}

// Terminal reports whether e ends the canonical stream.
func (e Event) Terminal() bool {
	return e.Type == TypeStreamEnd || e.Type == TypeError
}
