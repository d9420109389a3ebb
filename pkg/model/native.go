package model

import "encoding/json"

// NativeEvent is one interpreted backend record. The concrete variants below
// are the closed set the emitter and aggregator understand; a new backend
// shape gets a new variant rather than a subtype.
type NativeEvent interface {
	nativeEvent()
}

// TextDelta carries incremental assistant text.
type TextDelta struct {
	Text string
}

// ToolCallChunk carries one or more tool invocation fragments observed in a
// single record.
type ToolCallChunk struct {
	Fragments []ToolCallFragment
}

// ToolCallFragment is a possibly partial tool invocation. Arguments holds the
// raw JSON the backend sent: either an object or a string fragment.
type ToolCallFragment struct {
	NativeID  string
	Name      string
	Arguments json.RawMessage
}

// Completion marks the end of one backend turn.
type Completion struct {
	PromptTokens   int
	ResponseTokens int
	Reason         string
}

// StreamFault is an in-band failure reported by the backend after the
// response status was already committed.
type StreamFault struct {
	Message string
}

func (TextDelta) nativeEvent()     {}
func (ToolCallChunk) nativeEvent() {}
func (Completion) nativeEvent()    {}
func (StreamFault) nativeEvent()   {}

// Usage converts the completion counts.
func (c Completion) Usage() Usage {
	return Usage{InputTokens: c.PromptTokens, OutputTokens: c.ResponseTokens}
}
