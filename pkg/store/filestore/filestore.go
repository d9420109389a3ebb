// Package filestore persists transcripts in a local write-ahead log and
// serves reads from an index rebuilt on open.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/maude-dev/maude/pkg/store"
	"github.com/maude-dev/maude/pkg/wal"
)

const (
	kindMessage = "message"
	kindTouch   = "touch"
)

type touch struct {
	ConversationID string    `json:"conversation_id"`
	At             time.Time `json:"at"`
}

// Store is a store.Store backed by a wal.Log.
type Store struct {
	mu      sync.RWMutex
	log     *wal.Log
	records map[string][]store.Record
	ids     map[string]struct{}
	touched map[string]time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens the log under dir and replays it into memory.
func Open(dir string, opts ...wal.Option) (*Store, error) {
	log, err := wal.Open(dir, opts...)
	if err != nil {
		return nil, err
	}
	s := &Store{
		log:     log,
		records: make(map[string][]store.Record),
		ids:     make(map[string]struct{}),
		touched: make(map[string]time.Time),
	}
	if err := log.Replay(s.apply); err != nil {
		_ = log.Close()
		return nil, fmt.Errorf("filestore: replay: %w", err)
	}
	return s, nil
}

func (s *Store) apply(e wal.Entry) error {
	switch e.Kind {
	case kindMessage:
		var rec store.Record
		if err := json.Unmarshal(e.Data, &rec); err != nil {
			return fmt.Errorf("decode record at %d: %w", e.Offset, err)
		}
		s.records[rec.ConversationID] = append(s.records[rec.ConversationID], rec)
		s.ids[rec.ID] = struct{}{}
	case kindTouch:
		var t touch
		if err := json.Unmarshal(e.Data, &t); err != nil {
			return fmt.Errorf("decode touch at %d: %w", e.Offset, err)
		}
		s.touched[t.ConversationID] = t.At
	}
	return nil
}

func (s *Store) LoadMessages(ctx context.Context, conversationID string) ([]store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.records[conversationID]
	out := make([]store.Record, len(src))
	copy(out, src)
	return out, nil
}

func (s *Store) InsertMessage(ctx context.Context, rec store.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("filestore: encode record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.ids[rec.ID]; dup {
		return fmt.Errorf("filestore: duplicate record id %s", rec.ID)
	}
	if _, err := s.log.Append(wal.Entry{Kind: kindMessage, Data: data}); err != nil {
		return err
	}
	return s.apply(wal.Entry{Kind: kindMessage, Data: data})
}

func (s *Store) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(touch{ConversationID: conversationID, At: at.UTC()})
	if err != nil {
		return fmt.Errorf("filestore: encode touch: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.log.Append(wal.Entry{Kind: kindTouch, Data: data}); err != nil {
		return err
	}
	s.touched[conversationID] = at.UTC()
	return nil
}

// LastActivity reports the latest touch time of a conversation.
func (s *Store) LastActivity(conversationID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.touched[conversationID]
	return at, ok
}

// Close releases the underlying log.
func (s *Store) Close() error {
	return s.log.Close()
}
