package agent

import (
	"context"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/maude-dev/maude/pkg/model"
	"github.com/maude-dev/maude/pkg/store"
)

const defaultFinalizeTimeout = 10 * time.Second

// Transcript is what a finished run hands to the finalizer.
type Transcript struct {
	ConversationID string
	Text           string
	Usage          model.Usage
	Model          string
	StopReason     string
}

// TranscriptSink receives the transcript of every run exactly once.
type TranscriptSink interface {
	Finalize(ctx context.Context, t Transcript)
}

// Finalizer persists transcripts to a store. Failures are logged and
// swallowed. Writes run on a context detached from the caller's
// cancellation and bounded by Timeout.
type Finalizer struct {
	Store   store.Store
	Timeout time.Duration

	now   func() time.Time
	newID func() string
}

// NewFinalizer binds a finalizer to s.
func NewFinalizer(s store.Store) *Finalizer {
	return &Finalizer{Store: s, Timeout: defaultFinalizeTimeout}
}

// Finalize inserts one assistant record and touches the conversation.
func (f *Finalizer) Finalize(ctx context.Context, t Transcript) {
	if f == nil || f.Store == nil {
		return
	}
	if t.ConversationID == "" {
		log.Debug(ctx, log.KV{K: "msg", V: "transcript not persisted: no conversation id"})
		return
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = defaultFinalizeTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	now := time.Now
	if f.now != nil {
		now = f.now
	}
	newID := uuid.NewString
	if f.newID != nil {
		newID = f.newID
	}
	at := now().UTC()
	rec := store.Record{
		ID:             newID(),
		ConversationID: t.ConversationID,
		Role:           "assistant",
		Content:        store.TextContent(t.Text),
		Model:          t.Model,
		TokenCount:     t.Usage.Total(),
		CreatedAt:      at,
	}
	if err := f.Store.InsertMessage(ctx, rec); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "persist transcript failed"}, log.KV{K: "conversation", V: t.ConversationID})
		return
	}
	if err := f.Store.TouchConversation(ctx, t.ConversationID, at); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "touch conversation failed"}, log.KV{K: "conversation", V: t.ConversationID})
	}
	log.Debug(ctx,
		log.KV{K: "msg", V: "transcript persisted"},
		log.KV{K: "conversation", V: t.ConversationID},
		log.KV{K: "tokens", V: rec.TokenCount},
		log.KV{K: "stop_reason", V: t.StopReason},
	)
}
