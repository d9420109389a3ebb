// Package redisstore persists transcripts in Redis. Each conversation is a
// list of JSON-encoded records plus a hash holding its activity time.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maude-dev/maude/pkg/store"
)

const (
	defaultPrefix = "maude"
	clientName    = "transcript-redis"
)

// Commands is the subset of the go-redis client the store needs.
// *redis.Client and *redis.ClusterClient satisfy it.
type Commands interface {
	RPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Options configures the Redis store.
type Options struct {
	Client Commands
	// Prefix namespaces every key; defaults to "maude".
	Prefix string
}

// Store is a store.Store backed by Redis.
type Store struct {
	rdb    Commands
	prefix string
}

var _ store.Store = (*Store)(nil)

// New returns a Store using opts.Client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{rdb: opts.Client, prefix: prefix}, nil
}

// Name implements the health pinger contract.
func (s *Store) Name() string { return clientName }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) messagesKey(conversationID string) string {
	return fmt.Sprintf("%s:conversation:%s:messages", s.prefix, conversationID)
}

func (s *Store) conversationKey(conversationID string) string {
	return fmt.Sprintf("%s:conversation:%s", s.prefix, conversationID)
}

func (s *Store) LoadMessages(ctx context.Context, conversationID string) ([]store.Record, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	raw, err := s.rdb.LRange(ctx, s.messagesKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: load %s: %w", conversationID, err)
	}
	out := make([]store.Record, 0, len(raw))
	for i, item := range raw {
		var rec store.Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("redisstore: decode %s[%d]: %w", conversationID, i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// InsertMessage appends the record to the conversation list. Lists keep
// insertion order, which matches creation order for a single writer.
func (s *Store) InsertMessage(ctx context.Context, rec store.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redisstore: encode record: %w", err)
	}
	if err := s.rdb.RPush(ctx, s.messagesKey(rec.ConversationID), data).Err(); err != nil {
		return fmt.Errorf("redisstore: insert %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	if conversationID == "" {
		return errors.New("conversation id is required")
	}
	err := s.rdb.HSet(ctx, s.conversationKey(conversationID), "updated_at", at.UTC().Format(time.RFC3339Nano)).Err()
	if err != nil {
		return fmt.Errorf("redisstore: touch %s: %w", conversationID, err)
	}
	return nil
}
