package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/models"
)

func directConv(id string, users ...string) models.Conversation {
	return models.Conversation{
		ID:           id,
		Type:         models.TypeDirect,
		Participants: users,
		Unread:       map[string]int64{},
	}
}

func TestCreateConversationRejectsDuplicate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateConversation(ctx, directConv("d:alice:bob", "alice", "bob")))
	err := s.CreateConversation(ctx, directConv("d:alice:bob", "alice", "bob"))
	require.ErrorIs(t, err, ErrConversationExists)
}

func TestGetConversationNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetConversation(context.Background(), "missing")
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestFindDirectConversationMatchesParticipantSet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateConversation(ctx, directConv("c1", "alice", "bob")))
	require.NoError(t, s.CreateConversation(ctx, directConv("c2", "alice", "carol")))

	conv, err := s.FindDirectConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, "c1", conv.ID)

	_, err = s.FindDirectConversation(ctx, "bob", "carol")
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestAddDeliveredToIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.PutMessage(ctx, "c1", models.Message{ID: "m1", SenderID: "alice"}))
	require.NoError(t, s.AddDeliveredTo(ctx, "c1", "m1", "bob"))
	require.NoError(t, s.AddDeliveredTo(ctx, "c1", "m1", "bob"))

	delivered, err := s.DeliveredTo(ctx, "c1", "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, delivered)
}

func TestAddDeliveredToMissingMessage(t *testing.T) {
	s := NewMemoryStore()
	err := s.AddDeliveredTo(context.Background(), "c1", "gone", "bob")
	require.ErrorIs(t, err, ErrMessageNotFound)
}

func TestDeleteMessageIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.PutMessage(ctx, "c1", models.Message{ID: "m1"}))
	require.NoError(t, s.DeleteMessage(ctx, "c1", "m1"))
	require.NoError(t, s.DeleteMessage(ctx, "c1", "m1"))

	_, err := s.DeliveredTo(ctx, "c1", "m1")
	require.ErrorIs(t, err, ErrMessageNotFound)
}

func TestMarkReadIsAllOrNothing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	at := time.Now()

	require.NoError(t, s.PutMessage(ctx, "c1", models.Message{ID: "m1", SenderID: "alice"}))

	err := s.MarkRead(ctx, "c1", []string{"m1", "missing"}, "bob", at)
	require.ErrorIs(t, err, ErrMessageNotFound)

	// The existing message must be untouched by the failed batch.
	var got []models.Message
	sub, err := s.SubscribeMessages(ctx, "c1", func(msgs []models.Message) { got = msgs })
	require.NoError(t, err)
	sub.Stop()
	require.Len(t, got, 1)
	assert.Empty(t, got[0].ReadBy)

	require.NoError(t, s.MarkRead(ctx, "c1", []string{"m1"}, "bob", at))
	sub, err = s.SubscribeMessages(ctx, "c1", func(msgs []models.Message) { got = msgs })
	require.NoError(t, err)
	sub.Stop()
	require.Len(t, got, 1)
	assert.WithinDuration(t, at, got[0].ReadBy["bob"], time.Second)
}

func TestUpdateLastMessageIncrementsPeerUnread(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateConversation(ctx, directConv("c1", "alice", "bob")))
	msg := models.Message{ID: "m1", SenderID: "alice", Content: "hi", CreatedAt: time.Now()}
	require.NoError(t, s.UpdateLastMessage(ctx, "c1", msg, []string{"bob"}))
	require.NoError(t, s.UpdateLastMessage(ctx, "c1", msg, []string{"bob"}))

	conv, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "hi", conv.LastMessage)
	assert.Equal(t, "alice", conv.LastSenderID)
	assert.Equal(t, int64(2), conv.Unread["bob"])
	assert.Zero(t, conv.Unread["alice"])

	require.NoError(t, s.ResetUnread(ctx, "c1", "bob"))
	conv, err = s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, conv.Unread["bob"])
}

func TestSetTypingAddsAndRemoves(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateConversation(ctx, directConv("c1", "alice", "bob")))
	require.NoError(t, s.SetTyping(ctx, "c1", "bob", true))
	require.NoError(t, s.SetTyping(ctx, "c1", "bob", true))

	conv, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, conv.Typing)

	require.NoError(t, s.SetTyping(ctx, "c1", "bob", false))
	conv, err = s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, conv.Typing)
}

func TestSubscribeMessagesPushesSortedSnapshots(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	t1 := time.Now()
	require.NoError(t, s.PutMessage(ctx, "c1", models.Message{ID: "m2", CreatedAt: t1.Add(time.Second)}))
	require.NoError(t, s.PutMessage(ctx, "c1", models.Message{ID: "m1", CreatedAt: t1}))

	var mu sync.Mutex
	var last []models.Message
	sub, err := s.SubscribeMessages(ctx, "c1", func(msgs []models.Message) {
		mu.Lock()
		last = msgs
		mu.Unlock()
	})
	require.NoError(t, err)

	mu.Lock()
	require.Len(t, last, 2)
	assert.Equal(t, "m1", last[0].ID)
	assert.Equal(t, "m2", last[1].ID)
	mu.Unlock()

	require.NoError(t, s.PutMessage(ctx, "c1", models.Message{ID: "m3", CreatedAt: t1.Add(2 * time.Second)}))
	mu.Lock()
	require.Len(t, last, 3)
	assert.Equal(t, "m3", last[2].ID)
	mu.Unlock()

	sub.Stop()
	require.NoError(t, s.PutMessage(ctx, "c1", models.Message{ID: "m4", CreatedAt: t1.Add(3 * time.Second)}))
	mu.Lock()
	assert.Len(t, last, 3)
	mu.Unlock()
}

func TestSubscribeConversationsFiltersByParticipant(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateConversation(ctx, directConv("c1", "alice", "bob")))
	require.NoError(t, s.CreateConversation(ctx, directConv("c2", "carol", "dave")))

	var mu sync.Mutex
	var last []models.Conversation
	sub, err := s.SubscribeConversations(ctx, "alice", func(convs []models.Conversation) {
		mu.Lock()
		last = convs
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Stop()

	mu.Lock()
	require.Len(t, last, 1)
	assert.Equal(t, "c1", last[0].ID)
	mu.Unlock()
}
