// Package mongostore persists transcripts in MongoDB.
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/maude-dev/maude/pkg/store"
)

const (
	defaultMessagesCollection      = "messages"
	defaultConversationsCollection = "conversations"
	defaultOpTimeout               = 5 * time.Second
	clientName                     = "transcript-mongo"
)

// Options configures the Mongo store.
type Options struct {
	Client                  *mongo.Client
	Database                string
	MessagesCollection      string
	ConversationsCollection string
	Timeout                 time.Duration
}

// Store is a store.Store backed by two collections: one document per
// message and one per conversation.
type Store struct {
	mongo         *mongo.Client
	messages      collection
	conversations collection
	timeout       time.Duration
}

var _ store.Store = (*Store)(nil)

// New returns a Store and makes sure its indexes exist.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	messagesName := opts.MessagesCollection
	if messagesName == "" {
		messagesName = defaultMessagesCollection
	}
	conversationsName := opts.ConversationsCollection
	if conversationsName == "" {
		conversationsName = defaultConversationsCollection
	}
	db := opts.Client.Database(opts.Database)
	messages := db.Collection(messagesName)
	s := newWithCollections(opts.Client, messages, db.Collection(conversationsName), opts.Timeout)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newWithCollections(client *mongo.Client, messages, conversations collection, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{mongo: client, messages: messages, conversations: conversations, timeout: timeout}
}

// Name implements the health pinger contract.
func (s *Store) Name() string {
	return clientName
}

// Ping checks connectivity to the primary.
func (s *Store) Ping(ctx context.Context) error {
	if s.mongo == nil {
		return errors.New("mongo client is not configured")
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

func (s *Store) LoadMessages(ctx context.Context, conversationID string) ([]store.Record, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.messages.Find(ctx, bson.M{"conversation_id": conversationID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []messageDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]store.Record, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.toRecord())
	}
	return out, nil
}

func (s *Store) InsertMessage(ctx context.Context, rec store.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.messages.InsertOne(ctx, fromRecord(rec))
	return err
}

func (s *Store) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	if conversationID == "" {
		return errors.New("conversation id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	at = at.UTC()
	filter := bson.M{"id": conversationID}
	update := bson.M{
		"$set":         bson.M{"updated_at": at},
		"$setOnInsert": bson.M{"id": conversationID, "created_at": at},
	}
	_, err := s.conversations.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

type messageDocument struct {
	ID             string    `bson:"id"`
	ConversationID string    `bson:"conversation_id"`
	Role           string    `bson:"role"`
	Content        string    `bson:"content"`
	Model          string    `bson:"model,omitempty"`
	TokenCount     int       `bson:"token_count"`
	CreatedAt      time.Time `bson:"created_at"`
}

func fromRecord(rec store.Record) messageDocument {
	return messageDocument{
		ID:             rec.ID,
		ConversationID: rec.ConversationID,
		Role:           rec.Role,
		Content:        rec.Content,
		Model:          rec.Model,
		TokenCount:     rec.TokenCount,
		CreatedAt:      rec.CreatedAt.UTC(),
	}
}

func (doc messageDocument) toRecord() store.Record {
	return store.Record{
		ID:             doc.ID,
		ConversationID: doc.ConversationID,
		Role:           doc.Role,
		Content:        doc.Content,
		Model:          doc.Model,
		TokenCount:     doc.TokenCount,
		CreatedAt:      doc.CreatedAt,
	}
}

// collection is the subset of *mongo.Collection the store uses.
type collection interface {
	InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongo.InsertOneResult, error)
	UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongo.UpdateResult, error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (*mongo.Cursor, error)
}
