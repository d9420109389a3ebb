package mongostore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/maude-dev/maude/pkg/store"
)

type fakeCollection struct {
	mu       sync.Mutex
	inserted []messageDocument
	updates  []bson.M
	upserts  []bool
	failWith error
}

func (f *fakeCollection) InsertOne(_ context.Context, document any, _ ...options.Lister[options.InsertOneOptions]) (*mongo.InsertOneResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.inserted = append(f.inserted, document.(messageDocument))
	return &mongo.InsertOneResult{}, nil
}

func (f *fakeCollection) UpdateOne(_ context.Context, _, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongo.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	upsert := false
	for _, lister := range opts {
		var o options.UpdateOneOptions
		for _, set := range lister.List() {
			_ = set(&o)
		}
		if o.Upsert != nil && *o.Upsert {
			upsert = true
		}
	}
	f.updates = append(f.updates, update.(bson.M))
	f.upserts = append(f.upserts, upsert)
	return &mongo.UpdateResult{}, nil
}

func (f *fakeCollection) Find(_ context.Context, filter any, _ ...options.Lister[options.FindOptions]) (*mongo.Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	id, _ := filter.(bson.M)["conversation_id"].(string)
	var matched []messageDocument
	for _, doc := range f.inserted {
		if doc.ConversationID == id {
			matched = append(matched, doc)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	docs := make([]any, len(matched))
	for i := range matched {
		docs[i] = matched[i]
	}
	return mongo.NewCursorFromDocuments(docs, nil, nil)
}

func TestStoreInsertAndLoad(t *testing.T) {
	ctx := context.Background()
	messages := &fakeCollection{}
	s := newWithCollections(nil, messages, &fakeCollection{}, 0)
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.InsertMessage(ctx, store.Record{
		ID: "a1", ConversationID: "c1", Role: "assistant", Content: store.TextContent("Hello"),
		Model: "llama3.2", TokenCount: 7, CreatedAt: base.Add(time.Second),
	}))
	require.NoError(t, s.InsertMessage(ctx, store.Record{
		ID: "u1", ConversationID: "c1", Role: "user", Content: store.TextContent("hi"), CreatedAt: base,
	}))
	require.NoError(t, s.InsertMessage(ctx, store.Record{ID: "o1", ConversationID: "other", Role: "user", CreatedAt: base}))
	require.ErrorIs(t, s.InsertMessage(ctx, store.Record{ID: "bad"}), store.ErrInvalidRecord)

	recs, err := s.LoadMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "u1", recs[0].ID)
	require.Equal(t, "a1", recs[1].ID)
	require.Equal(t, 7, recs[1].TokenCount)
	require.Equal(t, "Hello", store.ContentText(recs[1].Content))
	require.True(t, recs[1].CreatedAt.Equal(base.Add(time.Second)))

	_, err = s.LoadMessages(ctx, "")
	require.Error(t, err)
}

func TestStoreTouchUpserts(t *testing.T) {
	conversations := &fakeCollection{}
	s := newWithCollections(nil, &fakeCollection{}, conversations, time.Second)
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.FixedZone("x", 3600))

	require.NoError(t, s.TouchConversation(context.Background(), "c1", at))
	require.Len(t, conversations.updates, 1)
	require.True(t, conversations.upserts[0])
	set := conversations.updates[0]["$set"].(bson.M)
	require.Equal(t, at.UTC(), set["updated_at"])
	require.Error(t, s.TouchConversation(context.Background(), "", at))
}

func TestStorePropagatesDriverErrors(t *testing.T) {
	boom := errors.New("no reachable servers")
	failing := &fakeCollection{failWith: boom}
	s := newWithCollections(nil, failing, failing, 0)
	ctx := context.Background()

	require.ErrorIs(t, s.InsertMessage(ctx, store.Record{ID: "a", ConversationID: "c", Role: "user"}), boom)
	_, err := s.LoadMessages(ctx, "c")
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, s.TouchConversation(ctx, "c", time.Now()), boom)
	require.Error(t, s.Ping(ctx))
	require.Equal(t, clientName, s.Name())
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(context.Background(), Options{})
	require.Error(t, err)
}
