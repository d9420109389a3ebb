package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Memory keeps records in process memory.
type Memory struct {
	mu      sync.RWMutex
	records map[string][]Record
	touched map[string]time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string][]Record),
		touched: make(map[string]time.Time),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) LoadMessages(ctx context.Context, conversationID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.records[conversationID]
	out := make([]Record, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) InsertMessage(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.records[rec.ConversationID] {
		if existing.ID == rec.ID {
			return errors.New("store: duplicate record id " + rec.ID)
		}
	}
	m.records[rec.ConversationID] = append(m.records[rec.ConversationID], rec)
	return nil
}

func (m *Memory) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched[conversationID] = at
	return nil
}

// LastActivity reports the latest touch time of a conversation.
func (m *Memory) LastActivity(conversationID string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.touched[conversationID]
	return at, ok
}
