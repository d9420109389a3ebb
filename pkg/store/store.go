// Package store defines how conversation transcripts are persisted and
// provides an in-memory implementation. Durable backends live in the
// filestore, mongostore and redisstore subpackages.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/maude-dev/maude/pkg/model"
)

// ErrInvalidRecord is returned when a record misses a required field.
var ErrInvalidRecord = errors.New("store: invalid record")

// Store persists transcript records. Every method is a self-contained
// statement so concurrent conversations need no coordination.
type Store interface {
	// LoadMessages returns the conversation history in creation order.
	LoadMessages(ctx context.Context, conversationID string) ([]Record, error)
	// InsertMessage appends one record.
	InsertMessage(ctx context.Context, rec Record) error
	// TouchConversation records the latest activity time.
	TouchConversation(ctx context.Context, conversationID string, at time.Time) error
}

// Record is one persisted message. Content holds a JSON array of content
// blocks.
type Record struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Model          string    `json:"model,omitempty"`
	TokenCount     int       `json:"token_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// Validate checks the fields every backend relies on.
func (r Record) Validate() error {
	switch {
	case strings.TrimSpace(r.ID) == "":
		return errors.Join(ErrInvalidRecord, errors.New("id is required"))
	case strings.TrimSpace(r.ConversationID) == "":
		return errors.Join(ErrInvalidRecord, errors.New("conversation id is required"))
	case strings.TrimSpace(r.Role) == "":
		return errors.Join(ErrInvalidRecord, errors.New("role is required"))
	}
	return nil
}

// Message converts the record into a model message.
func (r Record) Message() model.Message {
	return model.Message{Role: r.Role, Content: ContentText(r.Content)}
}

// Messages converts records in order, skipping ones that carry no text.
func Messages(records []Record) []model.Message {
	out := make([]model.Message, 0, len(records))
	for _, rec := range records {
		msg := rec.Message()
		if msg.Content == "" {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// Block is one element of a record's content array.
type Block struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextContent encodes text as a single text block.
func TextContent(text string) string {
	data, err := json.Marshal([]Block{{Type: "text", Text: text}})
	if err != nil {
		return "[]"
	}
	return string(data)
}

// ContentText joins the text blocks of an encoded content array. Content
// that is not a block array is returned unchanged.
func ContentText(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "[") {
		return content
	}
	var blocks []Block
	if err := json.Unmarshal([]byte(trimmed), &blocks); err != nil {
		return content
	}
	var b strings.Builder
	for _, block := range blocks {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}
