package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/cache"
	"chat-sync/internal/models"
	"chat-sync/internal/store"
)

// recordingPub captures every published view, in order, so tests can observe
// the fanout without a websocket hub.
type recordingPub struct {
	mu       sync.Mutex
	messages map[string][]models.Message
	history  map[string][][]models.Message
	convs    []models.Conversation
}

func newRecordingPub() *recordingPub {
	return &recordingPub{
		messages: make(map[string][]models.Message),
		history:  make(map[string][][]models.Message),
	}
}

func (p *recordingPub) PublishMessages(convID string, msgs []models.Message) {
	p.mu.Lock()
	p.messages[convID] = msgs
	p.history[convID] = append(p.history[convID], msgs)
	p.mu.Unlock()
}

func (p *recordingPub) PublishConversations(convs []models.Conversation) {
	p.mu.Lock()
	p.convs = convs
	p.mu.Unlock()
}

// messageHistory returns a copy of every snapshot published for the
// conversation so far, oldest first.
func (p *recordingPub) messageHistory(convID string) [][]models.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]models.Message(nil), p.history[convID]...)
}

func snapshotContains(msgs []models.Message, id string) bool {
	for _, m := range msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}

func newTestEngine(t *testing.T, remote store.Remote, userID, userName string) *Engine {
	eng, _ := newTestEngineWithPub(t, remote, userID, userName)
	return eng
}

func newTestEngineWithPub(t *testing.T, remote store.Remote, userID, userName string) (*Engine, *recordingPub) {
	t.Helper()
	c, err := cache.Open(filepath.Join(t.TempDir(), userID))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	pub := newRecordingPub()
	eng := NewEngine(userID, userName, remote, c, pub, nil)
	t.Cleanup(eng.Close)
	return eng, pub
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond, msg)
}

func TestGetOrCreateDirectConvergesAcrossUsers(t *testing.T) {
	remote := store.NewMemoryStore()
	alice := newTestEngine(t, remote, "alice", "Alice")
	bob := newTestEngine(t, remote, "bob", "Bob")
	ctx := context.Background()

	convA, err := alice.GetOrCreateDirect(ctx, "bob", "Bob")
	require.NoError(t, err)
	convB, err := bob.GetOrCreateDirect(ctx, "alice", "Alice")
	require.NoError(t, err)

	assert.Equal(t, convA.ID, convB.ID)
	assert.Equal(t, models.DirectConversationID("alice", "bob"), convA.ID)
	assert.ElementsMatch(t, []string{"alice", "bob"}, convA.Participants)

	// A repeat call returns the cached conversation, no duplicate.
	again, err := alice.GetOrCreateDirect(ctx, "bob", "Bob")
	require.NoError(t, err)
	assert.Equal(t, convA.ID, again.ID)
}

func TestGetOrCreateDirectAdoptsLegacyConversation(t *testing.T) {
	remote := store.NewMemoryStore()
	ctx := context.Background()

	// A conversation created before deterministic ids existed.
	require.NoError(t, remote.CreateConversation(ctx, models.Conversation{
		ID:           "legacy-1",
		Type:         models.TypeDirect,
		Participants: []string{"alice", "bob"},
	}))

	alice := newTestEngine(t, remote, "alice", "Alice")
	conv, err := alice.GetOrCreateDirect(ctx, "bob", "Bob")
	require.NoError(t, err)
	assert.Equal(t, "legacy-1", conv.ID, "participant scan should find the legacy document instead of creating a duplicate")
}

func TestGetOrCreateDirectRejectsSelf(t *testing.T) {
	alice := newTestEngine(t, store.NewMemoryStore(), "alice", "Alice")
	_, err := alice.GetOrCreateDirect(context.Background(), "alice", "Alice")
	require.Error(t, err)
}

func TestSendMessageIsVisibleBeforeConfirmation(t *testing.T) {
	remote := store.NewMemoryStore()
	alice, pub := newTestEngineWithPub(t, remote, "alice", "Alice")
	ctx := context.Background()

	conv, err := alice.GetOrCreateDirect(ctx, "bob", "Bob")
	require.NoError(t, err)
	require.NoError(t, alice.StartMessageFeed(ctx, conv.ID))

	msg, err := alice.SendMessage(ctx, conv.ID, "hello", models.KindText)
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)

	eventually(t, func() bool {
		msgs := alice.Messages(conv.ID)
		return len(msgs) == 1 && msgs[0].ID == msg.ID && !msgs[0].Optimistic && msgs[0].Status == models.StatusSent
	}, "confirmed echo should supersede the optimistic entry in place")

	// Once the optimistic entry appears, the message stays in every published
	// snapshot across confirmation, never dropped and re-added.
	history := pub.messageHistory(conv.ID)
	first := -1
	for i, snap := range history {
		if snapshotContains(snap, msg.ID) {
			first = i
			break
		}
	}
	require.GreaterOrEqual(t, first, 0, "the optimistic insert should be published")
	for i := first; i < len(history); i++ {
		assert.True(t, snapshotContains(history[i], msg.ID), "snapshot %d lost the message mid-reconciliation", i)
	}

	convs := alice.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, "hello", convs[0].LastMessage)
	assert.Equal(t, "alice", convs[0].LastSenderID)
}

func TestSendMessageUnknownConversation(t *testing.T) {
	alice := newTestEngine(t, store.NewMemoryStore(), "alice", "Alice")
	_, err := alice.SendMessage(context.Background(), "missing", "hi", models.KindText)
	require.ErrorIs(t, err, store.ErrConversationNotFound)
}

// failingStore wraps the in-memory store and refuses message writes.
type failingStore struct {
	*store.MemoryStore
}

func (s *failingStore) PutMessage(ctx context.Context, convID string, msg models.Message) error {
	return errors.New("backend unavailable")
}

func TestSendMessageFailureKeepsFailedEntry(t *testing.T) {
	remote := &failingStore{MemoryStore: store.NewMemoryStore()}
	alice := newTestEngine(t, remote, "alice", "Alice")
	ctx := context.Background()

	conv, err := alice.GetOrCreateDirect(ctx, "bob", "Bob")
	require.NoError(t, err)

	msg, err := alice.SendMessage(ctx, conv.ID, "hello", models.KindText)
	require.Error(t, err)
	assert.Equal(t, models.StatusFailed, msg.Status)

	msgs := alice.Messages(conv.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.StatusFailed, msgs[0].Status)
}

func TestFullDeliveryDeletesServerCopyButNotLocalView(t *testing.T) {
	remote := store.NewMemoryStore()
	alice := newTestEngine(t, remote, "alice", "Alice")
	bob := newTestEngine(t, remote, "bob", "Bob")
	ctx := context.Background()

	conv, err := alice.GetOrCreateDirect(ctx, "bob", "Bob")
	require.NoError(t, err)
	_, err = bob.GetOrCreateDirect(ctx, "alice", "Alice")
	require.NoError(t, err)

	require.NoError(t, alice.StartMessageFeed(ctx, conv.ID))
	require.NoError(t, bob.StartMessageFeed(ctx, conv.ID))

	msg, err := alice.SendMessage(ctx, conv.ID, "hello", models.KindText)
	require.NoError(t, err)

	// Bob's client confirms receipt; the delivered-to set then covers both
	// participants and the server copy is garbage-collected.
	eventually(t, func() bool {
		_, err := remote.DeliveredTo(ctx, conv.ID, msg.ID)
		return errors.Is(err, store.ErrMessageNotFound)
	}, "server copy should be deleted after full delivery")

	eventually(t, func() bool {
		msgs := alice.Messages(conv.ID)
		return len(msgs) == 1 && msgs[0].Status == models.StatusDelivered
	}, "sender should see delivered")

	msgs := bob.Messages(conv.ID)
	require.Len(t, msgs, 1, "recipient keeps the message after the server delete")
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestReadReceiptReachesSenderBeforeGarbageCollection(t *testing.T) {
	remote := store.NewMemoryStore()
	alice := newTestEngine(t, remote, "alice", "Alice")
	bob := newTestEngine(t, remote, "bob", "Bob")
	ctx := context.Background()

	conv, err := alice.GetOrCreateDirect(ctx, "bob", "Bob")
	require.NoError(t, err)
	_, err = bob.GetOrCreateDirect(ctx, "alice", "Alice")
	require.NoError(t, err)

	require.NoError(t, alice.StartMessageFeed(ctx, conv.ID))
	// Bob has the chat on screen, so receipt and read land together.
	require.NoError(t, bob.SetActiveConversation(ctx, conv.ID))

	_, err = alice.SendMessage(ctx, conv.ID, "hello", models.KindText)
	require.NoError(t, err)

	eventually(t, func() bool {
		msgs := alice.Messages(conv.ID)
		return len(msgs) == 1 && msgs[0].Status == models.StatusRead
	}, "sender should see read even though the server copy is deleted")
}

func TestMarkAllReadResetsUnreadCounter(t *testing.T) {
	remote := store.NewMemoryStore()
	alice := newTestEngine(t, remote, "alice", "Alice")
	bob := newTestEngine(t, remote, "bob", "Bob")
	ctx := context.Background()

	conv, err := alice.GetOrCreateDirect(ctx, "bob", "Bob")
	require.NoError(t, err)
	_, err = bob.GetOrCreateDirect(ctx, "alice", "Alice")
	require.NoError(t, err)

	msg := models.Message{
		ID:             "m1",
		ConversationID: conv.ID,
		SenderID:       "alice",
		Content:        "hello",
		CreatedAt:      time.Now().UTC(),
		DeliveredTo:    []string{"alice"},
	}
	require.NoError(t, remote.PutMessage(ctx, conv.ID, msg))
	require.NoError(t, remote.UpdateLastMessage(ctx, conv.ID, msg, []string{"bob"}))

	got, err := remote.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Unread["bob"])

	require.NoError(t, bob.StartMessageFeed(ctx, conv.ID))
	eventually(t, func() bool { return len(bob.Messages(conv.ID)) == 1 }, "bob should receive the message")

	require.NoError(t, bob.MarkAllRead(ctx, conv.ID))

	got, err = remote.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Unread["bob"])

	// A second pass has nothing left to mark and stays a no-op.
	require.NoError(t, bob.MarkAllRead(ctx, conv.ID))
}

func TestMarkAllReadToleratesGarbageCollectedMessage(t *testing.T) {
	remote := store.NewMemoryStore()
	bob := newTestEngine(t, remote, "bob", "Bob")
	ctx := context.Background()

	conv, err := bob.CreateGroup(ctx, "team", []string{"alice", "carol"}, map[string]string{"alice": "Alice", "carol": "Carol"})
	require.NoError(t, err)

	base := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	m1 := models.Message{ID: "m1", ConversationID: conv.ID, SenderID: "alice", Content: "one", CreatedAt: base, DeliveredTo: []string{"alice", "bob"}}
	m2 := models.Message{ID: "m2", ConversationID: conv.ID, SenderID: "alice", Content: "two", CreatedAt: base.Add(time.Second), DeliveredTo: []string{"alice", "bob"}}
	require.NoError(t, remote.PutMessage(ctx, conv.ID, m1))
	require.NoError(t, remote.PutMessage(ctx, conv.ID, m2))
	require.NoError(t, remote.UpdateLastMessage(ctx, conv.ID, m1, []string{"bob", "carol"}))
	require.NoError(t, remote.UpdateLastMessage(ctx, conv.ID, m2, []string{"bob", "carol"}))

	require.NoError(t, bob.StartMessageFeed(ctx, conv.ID))
	eventually(t, func() bool { return len(bob.Messages(conv.ID)) == 2 }, "bob should receive both messages")

	// Another device completed delivery of m1 and deleted the server copy;
	// bob's view still carries it with a delivered-to set that does not
	// cover carol.
	require.NoError(t, remote.DeleteMessage(ctx, conv.ID, "m1"))

	require.NoError(t, bob.MarkAllRead(ctx, conv.ID), "a collected message must not poison the whole batch")

	eventually(t, func() bool {
		for _, m := range bob.Messages(conv.ID) {
			if m.ID == "m2" {
				_, read := m.ReadBy["bob"]
				return read
			}
		}
		return false
	}, "the surviving message should still get bob's receipt")

	got, err := remote.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Unread["bob"], "the unread counter resets even when a receipt target is gone")
	assert.Len(t, bob.Messages(conv.ID), 2, "the collected message stays in the local view")
}

func TestMessagesStaySortedAcrossOutOfOrderArrival(t *testing.T) {
	remote := store.NewMemoryStore()
	alice := newTestEngine(t, remote, "alice", "Alice")
	ctx := context.Background()

	conv, err := alice.GetOrCreateDirect(ctx, "bob", "Bob")
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, remote.PutMessage(ctx, conv.ID, models.Message{ID: "m2", ConversationID: conv.ID, SenderID: "bob", CreatedAt: base.Add(time.Second), DeliveredTo: []string{"alice", "bob"}}))
	require.NoError(t, alice.StartMessageFeed(ctx, conv.ID))
	require.NoError(t, remote.PutMessage(ctx, conv.ID, models.Message{ID: "m1", ConversationID: conv.ID, SenderID: "bob", CreatedAt: base, DeliveredTo: []string{"alice", "bob"}}))
	require.NoError(t, remote.PutMessage(ctx, conv.ID, models.Message{ID: "m3", ConversationID: conv.ID, SenderID: "bob", CreatedAt: base.Add(2 * time.Second), DeliveredTo: []string{"alice", "bob"}}))

	eventually(t, func() bool { return len(alice.Messages(conv.ID)) == 3 }, "all three messages should arrive")

	msgs := alice.Messages(conv.ID)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, "m3", msgs[2].ID)
}

func TestDeliveryRetriedForCacheSeededMessages(t *testing.T) {
	remote := store.NewMemoryStore()
	ctx := context.Background()

	convID := models.DirectConversationID("alice", "bob")
	require.NoError(t, remote.CreateConversation(ctx, models.Conversation{
		ID:           convID,
		Type:         models.TypeDirect,
		Participants: []string{"alice", "bob"},
	}))

	// The message reached alice's cache in a previous session, but marking
	// delivery failed there: the server copy still lacks her.
	m1 := models.Message{ID: "m1", ConversationID: convID, SenderID: "bob", Content: "hello", CreatedAt: time.Now().UTC(), DeliveredTo: []string{"bob"}}
	require.NoError(t, remote.PutMessage(ctx, convID, m1))

	c, err := cache.Open(filepath.Join(t.TempDir(), "alice"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.SaveMessage(m1))

	alice := NewEngine("alice", "Alice", remote, c, newRecordingPub(), nil)
	t.Cleanup(alice.Close)

	_, err = alice.GetOrCreateDirect(ctx, "bob", "Bob")
	require.NoError(t, err)
	require.NoError(t, alice.StartMessageFeed(ctx, convID))

	// The next snapshot matches the already-known entry by id, and the
	// receipt goes through this time: delivery completes and the server
	// copy is collected.
	eventually(t, func() bool {
		_, err := remote.DeliveredTo(ctx, convID, "m1")
		return errors.Is(err, store.ErrMessageNotFound)
	}, "delivery marking should be retried for a message seeded from the cache")

	msgs := alice.Messages(convID)
	require.Len(t, msgs, 1, "the local view keeps the message after collection")
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestSetActiveConversationClearsTypingOnSwitch(t *testing.T) {
	remote := store.NewMemoryStore()
	alice := newTestEngine(t, remote, "alice", "Alice")
	ctx := context.Background()

	c1, err := alice.GetOrCreateDirect(ctx, "bob", "Bob")
	require.NoError(t, err)
	c2, err := alice.GetOrCreateDirect(ctx, "carol", "Carol")
	require.NoError(t, err)

	require.NoError(t, alice.SetActiveConversation(ctx, c1.ID))
	require.NoError(t, alice.SetTyping(ctx, c1.ID, true))

	got, err := remote.GetConversation(ctx, c1.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, got.Typing)

	require.NoError(t, alice.SetActiveConversation(ctx, c2.ID))

	got, err = remote.GetConversation(ctx, c1.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Typing, "leaving the chat clears the typing flag")
}

func TestHideConversationRemovesLocalViewOnly(t *testing.T) {
	remote := store.NewMemoryStore()
	alice := newTestEngine(t, remote, "alice", "Alice")
	ctx := context.Background()

	conv, err := alice.GetOrCreateDirect(ctx, "bob", "Bob")
	require.NoError(t, err)
	require.NoError(t, alice.StartMessageFeed(ctx, conv.ID))

	require.NoError(t, alice.HideConversation(ctx, conv.ID))

	assert.Empty(t, alice.Conversations())
	assert.Empty(t, alice.Messages(conv.ID))

	// The document survives for the other participant, flagged hidden.
	got, err := remote.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, got.HiddenForUser("alice"))
	assert.False(t, got.HiddenForUser("bob"))
}

func TestConversationFeedFollowsRemoteCreates(t *testing.T) {
	remote := store.NewMemoryStore()
	alice := newTestEngine(t, remote, "alice", "Alice")
	ctx := context.Background()

	require.NoError(t, alice.StartConversationFeed(ctx))

	bob := newTestEngine(t, remote, "bob", "Bob")
	conv, err := bob.GetOrCreateDirect(ctx, "alice", "Alice")
	require.NoError(t, err)

	eventually(t, func() bool {
		convs := alice.Conversations()
		return len(convs) == 1 && convs[0].ID == conv.ID
	}, "alice's directory should pick up the conversation bob created")
}
