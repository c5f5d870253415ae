package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat-sync/internal/ai"
	"chat-sync/internal/cache"
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/store"
)

// Publisher receives reconciled views to fan out to UI subscribers.
type Publisher interface {
	PublishMessages(convID string, msgs []models.Message)
	PublishConversations(convs []models.Conversation)
}

// Engine owns the per-conversation snapshot subscriptions and the reconciled
// in-memory + cached view of the device user's conversations. All mutation
// of the shared maps goes through a single mutex; the in-memory copy is
// authoritative for the session and the cache is a durability mirror written
// through by the same serialized writer.
type Engine struct {
	userID   string
	userName string
	store    store.Remote
	cache    *cache.Cache
	pub      Publisher
	ai       *ai.Client

	mu       sync.Mutex
	messages map[string][]models.Message
	convs    map[string]models.Conversation
	feeds    map[string]*store.Subscription
	convFeed *store.Subscription
	active   string
}

// NewEngine builds an engine for the device user. aiClient may be nil when
// no AI backend is configured.
func NewEngine(userID, userName string, remote store.Remote, c *cache.Cache, pub Publisher, aiClient *ai.Client) *Engine {
	return &Engine{
		userID:   userID,
		userName: userName,
		store:    remote,
		cache:    c,
		pub:      pub,
		ai:       aiClient,
		messages: make(map[string][]models.Message),
		convs:    make(map[string]models.Conversation),
		feeds:    make(map[string]*store.Subscription),
	}
}

// UserID returns the device user's id.
func (e *Engine) UserID() string {
	return e.userID
}

// StartConversationFeed seeds the directory from the cache and opens the
// live subscription to every conversation the user participates in.
func (e *Engine) StartConversationFeed(ctx context.Context) error {
	cached, err := e.cache.Conversations()
	if err != nil {
		log.Printf("conversation cache seed failed: %v", err)
	}

	e.mu.Lock()
	for _, conv := range cached {
		if conv.HiddenForUser(e.userID) {
			continue
		}
		e.convs[conv.ID] = conv
	}
	snapshot := e.conversationsLocked()
	e.mu.Unlock()
	e.pub.PublishConversations(snapshot)

	sub, err := e.store.SubscribeConversations(ctx, e.userID, e.onConversations)
	if err != nil {
		return fmt.Errorf("subscribe conversations: %w", err)
	}
	e.mu.Lock()
	e.convFeed = sub
	e.mu.Unlock()
	return nil
}

func (e *Engine) onConversations(convs []models.Conversation) {
	e.mu.Lock()
	for _, conv := range convs {
		if conv.HiddenForUser(e.userID) {
			delete(e.convs, conv.ID)
			continue
		}
		e.convs[conv.ID] = conv
		if err := e.cache.SaveConversation(conv); err != nil {
			log.Printf("cache write for conversation %s failed: %v", conv.ID, err)
		}
	}
	snapshot := e.conversationsLocked()
	e.mu.Unlock()
	e.pub.PublishConversations(snapshot)
}

// StartMessageFeed seeds the conversation's history from the cache so the
// UI shows it with zero latency even offline, then opens the live snapshot
// subscription. Calling it for an already-open feed is a no-op.
func (e *Engine) StartMessageFeed(ctx context.Context, convID string) error {
	e.mu.Lock()
	if _, open := e.feeds[convID]; open {
		e.mu.Unlock()
		return nil
	}
	if len(e.messages[convID]) == 0 {
		cached, err := e.cache.Messages(convID)
		if err != nil {
			log.Printf("message cache seed for %s failed: %v", convID, err)
		}
		e.messages[convID] = cached
	}
	snapshot := e.projectedMessagesLocked(convID)
	e.mu.Unlock()
	e.pub.PublishMessages(convID, snapshot)

	sub, err := e.store.SubscribeMessages(ctx, convID, func(msgs []models.Message) {
		e.onMessages(convID, msgs)
	})
	if err != nil {
		return fmt.Errorf("subscribe messages for %s: %w", convID, err)
	}

	e.mu.Lock()
	if _, open := e.feeds[convID]; open {
		e.mu.Unlock()
		sub.Stop()
		return nil
	}
	e.feeds[convID] = sub
	e.mu.Unlock()
	return nil
}

// StopMessageFeed tears down the conversation's subscription. Mandatory on
// "stop viewing": a leaked feed keeps a listener slot and keeps read-marking
// the conversation as if it were still on screen.
func (e *Engine) StopMessageFeed(convID string) {
	e.mu.Lock()
	sub := e.feeds[convID]
	delete(e.feeds, convID)
	e.mu.Unlock()
	sub.Stop()
}

// SetActiveConversation atomically switches the conversation the UI is
// viewing: the old feed and typing state are stopped before the new feed
// starts. An empty id just clears the active conversation.
func (e *Engine) SetActiveConversation(ctx context.Context, convID string) error {
	e.mu.Lock()
	old := e.active
	if old == convID {
		e.mu.Unlock()
		return nil
	}
	e.active = convID
	oldFeed := e.feeds[old]
	delete(e.feeds, old)
	e.mu.Unlock()

	oldFeed.Stop()
	if old != "" {
		if err := e.store.SetTyping(ctx, old, e.userID, false); err != nil {
			log.Printf("clearing typing in %s failed: %v", old, err)
		}
	}
	if convID == "" {
		return nil
	}
	if err := e.StartMessageFeed(ctx, convID); err != nil {
		return err
	}

	// Opening a chat reads it.
	go func() {
		if err := e.MarkAllRead(context.Background(), convID); err != nil {
			log.Printf("read receipts for %s failed: %v", convID, err)
		}
	}()
	return nil
}

// SendMessage creates the optimistic record, makes it visible to the caller
// before any network round-trip, then writes the confirmed form to the
// remote store. On write failure the optimistic entry's status flips to
// failed in place; it is never removed. The confirmed counterpart arriving
// on the snapshot feed supersedes the optimistic entry by id: merge, not
// deletion, is what prevents the message from ever flickering out of view.
func (e *Engine) SendMessage(ctx context.Context, convID, content string, kind models.Kind) (models.Message, error) {
	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		SenderID:       e.userID,
		SenderName:     e.userName,
		Content:        content,
		Kind:           kind,
		Status:         models.StatusSending,
		CreatedAt:      time.Now().UTC(),
		DeliveredTo:    []string{e.userID},
		Optimistic:     true,
	}

	e.mu.Lock()
	conv, known := e.convs[convID]
	if !known {
		e.mu.Unlock()
		return models.Message{}, store.ErrConversationNotFound
	}
	e.insertMessageLocked(convID, msg)
	snapshot := e.projectedMessagesLocked(convID)
	e.mu.Unlock()
	e.pub.PublishMessages(convID, snapshot)

	confirmed := msg
	confirmed.Optimistic = false
	confirmed.Status = models.StatusSent
	if err := e.store.PutMessage(ctx, convID, confirmed); err != nil {
		observability.IncSendFailure()
		e.mu.Lock()
		e.setStatusLocked(convID, msg.ID, models.StatusFailed)
		snapshot := e.projectedMessagesLocked(convID)
		e.mu.Unlock()
		e.pub.PublishMessages(convID, snapshot)
		msg.Status = models.StatusFailed
		return msg, fmt.Errorf("send message: %w", err)
	}
	observability.IncMessageSent(string(kind))

	peers := make([]string, 0, len(conv.Participants))
	for _, id := range conv.Participants {
		if id != e.userID {
			peers = append(peers, id)
		}
	}
	if err := e.store.UpdateLastMessage(ctx, convID, confirmed, peers); err != nil {
		log.Printf("last-message update for %s failed: %v", convID, err)
	}

	e.mu.Lock()
	if conv, ok := e.convs[convID]; ok {
		conv.LastMessage = confirmed.Content
		conv.LastMessageAt = confirmed.CreatedAt
		conv.LastSenderID = confirmed.SenderID
		e.convs[convID] = conv
		if err := e.cache.SaveConversation(conv); err != nil {
			log.Printf("cache write for conversation %s failed: %v", convID, err)
		}
	}
	convSnapshot := e.conversationsLocked()
	e.mu.Unlock()
	e.pub.PublishConversations(convSnapshot)

	return msg, nil
}

// onMessages reconciles a snapshot batch into the in-memory view. Matching
// is strictly by id: an existing entry only has its mutable fields updated
// in place, a new entry is inserted in timestamp order. A message absent
// from the snapshot is never removed: the remote copy may simply have been
// garbage-collected after full delivery while the cache remains the durable
// record.
func (e *Engine) onMessages(convID string, remote []models.Message) {
	e.mu.Lock()
	local := e.messages[convID]
	index := make(map[string]int, len(local))
	for i, m := range local {
		index[m.ID] = i
	}

	var toDeliver []string
	for _, rm := range remote {
		rm.Optimistic = false
		if i, ok := index[rm.ID]; ok {
			m := &local[i]
			m.DeliveredTo = rm.DeliveredTo
			m.ReadBy = rm.ReadBy
			m.Status = rm.Status
			m.CreatedAt = rm.CreatedAt
			m.Optimistic = false
			if rm.Translation != "" {
				m.Translation = rm.Translation
				m.Annotations = rm.Annotations
			}
			if err := e.cache.SaveMessage(*m); err != nil {
				log.Printf("cache write for message %s failed: %v", m.ID, err)
			}
			// The snapshot proves the server copy still exists, so a receipt
			// that failed in an earlier session gets retried here too.
			if !rm.DeliveredToContains(e.userID) {
				toDeliver = append(toDeliver, rm.ID)
			}
			continue
		}
		local = append(local, rm)
		index[rm.ID] = len(local) - 1
		if err := e.cache.SaveMessage(rm); err != nil {
			log.Printf("cache write for message %s failed: %v", rm.ID, err)
		}
		if !rm.DeliveredToContains(e.userID) {
			toDeliver = append(toDeliver, rm.ID)
		}
	}
	// Snapshots may deliver out of order or in batches; re-sort after every
	// merge instead of assuming append-only arrival.
	sort.SliceStable(local, func(i, j int) bool { return local[i].CreatedAt.Before(local[j].CreatedAt) })
	e.messages[convID] = local

	participants := append([]string(nil), e.convs[convID].Participants...)
	activeNow := e.active == convID
	snapshot := e.projectedMessagesLocked(convID)
	e.mu.Unlock()
	e.pub.PublishMessages(convID, snapshot)

	if !activeNow && len(toDeliver) == 0 {
		return
	}
	go func() {
		ctx := context.Background()
		// Read receipts go first so a read lands before delivery completion
		// garbage-collects the server copy.
		if activeNow {
			if err := e.MarkAllRead(ctx, convID); err != nil {
				log.Printf("read receipts for %s failed: %v", convID, err)
			}
		}
		for _, msgID := range toDeliver {
			if err := e.markDelivered(ctx, convID, msgID, participants); err != nil {
				log.Printf("delivery mark for %s/%s failed: %v", convID, msgID, err)
			}
		}
	}()
}

// Messages returns the conversation's reconciled view with display statuses
// derived from the raw delivery sets.
func (e *Engine) Messages(convID string) []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.projectedMessagesLocked(convID)
}

// TranslateMessage asks the AI collaborator for a translation and attaches
// the result to the message as opaque enrichment.
func (e *Engine) TranslateMessage(ctx context.Context, convID, msgID, targetLang string) (models.Message, error) {
	if e.ai == nil {
		return models.Message{}, fmt.Errorf("ai backend not configured")
	}

	e.mu.Lock()
	content, found := "", false
	for _, m := range e.messages[convID] {
		if m.ID == msgID {
			content, found = m.Content, true
			break
		}
	}
	e.mu.Unlock()
	if !found {
		return models.Message{}, store.ErrMessageNotFound
	}

	result, err := e.ai.Translate(ctx, ai.TranslateRequest{Text: content, TargetLang: targetLang})
	if err != nil {
		return models.Message{}, fmt.Errorf("translate message: %w", err)
	}
	if result.Kind != ai.KindTranslation || result.Translation == nil {
		return models.Message{}, fmt.Errorf("unexpected ai result kind %q", result.Kind)
	}

	annotations := make([]models.WordAnnotation, 0, len(result.Translation.Words))
	for _, w := range result.Translation.Words {
		annotations = append(annotations, models.WordAnnotation{
			Word:         w.Word,
			Gloss:        w.Gloss,
			Romanization: w.Romanization,
		})
	}

	e.mu.Lock()
	var updated models.Message
	for i := range e.messages[convID] {
		if e.messages[convID][i].ID == msgID {
			e.messages[convID][i].Translation = result.Translation.Text
			e.messages[convID][i].Annotations = annotations
			updated = e.messages[convID][i]
			if err := e.cache.SaveMessage(updated); err != nil {
				log.Printf("cache write for message %s failed: %v", msgID, err)
			}
			break
		}
	}
	snapshot := e.projectedMessagesLocked(convID)
	e.mu.Unlock()
	e.pub.PublishMessages(convID, snapshot)
	return updated, nil
}

// Close tears down every open subscription and clears typing state. Used on
// sign-out; the cache stays intact.
func (e *Engine) Close() {
	e.mu.Lock()
	feeds := e.feeds
	convFeed := e.convFeed
	active := e.active
	e.feeds = make(map[string]*store.Subscription)
	e.convFeed = nil
	e.active = ""
	e.mu.Unlock()

	for _, sub := range feeds {
		sub.Stop()
	}
	convFeed.Stop()
	if active != "" {
		if err := e.store.SetTyping(context.Background(), active, e.userID, false); err != nil {
			log.Printf("clearing typing in %s failed: %v", active, err)
		}
	}
}

func (e *Engine) insertMessageLocked(convID string, msg models.Message) {
	local := append(e.messages[convID], msg)
	sort.SliceStable(local, func(i, j int) bool { return local[i].CreatedAt.Before(local[j].CreatedAt) })
	e.messages[convID] = local
	if err := e.cache.SaveMessage(msg); err != nil {
		log.Printf("cache write for message %s failed: %v", msg.ID, err)
	}
}

func (e *Engine) setStatusLocked(convID, msgID string, status models.Status) {
	for i := range e.messages[convID] {
		if e.messages[convID][i].ID == msgID {
			e.messages[convID][i].Status = status
			if err := e.cache.SaveMessage(e.messages[convID][i]); err != nil {
				log.Printf("cache write for message %s failed: %v", msgID, err)
			}
			return
		}
	}
}

func (e *Engine) projectedMessagesLocked(convID string) []models.Message {
	participants := len(e.convs[convID].Participants)
	local := e.messages[convID]
	out := make([]models.Message, len(local))
	for i, m := range local {
		m.Status = models.DeriveStatus(m, participants)
		out[i] = m
	}
	return out
}

func (e *Engine) conversationsLocked() []models.Conversation {
	out := make([]models.Conversation, 0, len(e.convs))
	for _, conv := range e.convs {
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
