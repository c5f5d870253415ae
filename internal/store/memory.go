package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"chat-sync/internal/models"
)

// MemoryStore is an in-process Remote with the same observable semantics as
// the Firestore adapter: set-union/set-remove field updates, idempotent
// deletes, atomic read batches and push-based snapshot fanout. It backs the
// engine when no remote project is configured and every engine test.
type MemoryStore struct {
	mu       sync.Mutex
	convs    map[string]models.Conversation
	messages map[string]map[string]models.Message
	msgSubs  map[string]map[int]func([]models.Message)
	convSubs map[int]convSubscriber
	nextSub  int
}

type convSubscriber struct {
	userID string
	fn     func([]models.Conversation)
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:    make(map[string]models.Conversation),
		messages: make(map[string]map[string]models.Message),
		msgSubs:  make(map[string]map[int]func([]models.Message)),
		convSubs: make(map[int]convSubscriber),
	}
}

func (s *MemoryStore) PutMessage(ctx context.Context, convID string, msg models.Message) error {
	msg.Optimistic = false
	s.mu.Lock()
	if s.messages[convID] == nil {
		s.messages[convID] = make(map[string]models.Message)
	}
	s.messages[convID][msg.ID] = msg
	s.mu.Unlock()
	s.notifyMessages(convID)
	return nil
}

func (s *MemoryStore) AddDeliveredTo(ctx context.Context, convID, msgID, userID string) error {
	s.mu.Lock()
	msg, ok := s.messages[convID][msgID]
	if !ok {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	if !msg.DeliveredToContains(userID) {
		msg.DeliveredTo = append(append([]string(nil), msg.DeliveredTo...), userID)
		s.messages[convID][msgID] = msg
	}
	s.mu.Unlock()
	s.notifyMessages(convID)
	return nil
}

func (s *MemoryStore) DeliveredTo(ctx context.Context, convID, msgID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[convID][msgID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return append([]string(nil), msg.DeliveredTo...), nil
}

func (s *MemoryStore) DeleteMessage(ctx context.Context, convID, msgID string) error {
	s.mu.Lock()
	_, existed := s.messages[convID][msgID]
	delete(s.messages[convID], msgID)
	s.mu.Unlock()
	if existed {
		s.notifyMessages(convID)
	}
	return nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, convID string, msgIDs []string, userID string, at time.Time) error {
	if len(msgIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	// All-or-nothing, as a batched remote write would be.
	for _, id := range msgIDs {
		if _, ok := s.messages[convID][id]; !ok {
			s.mu.Unlock()
			return ErrMessageNotFound
		}
	}
	for _, id := range msgIDs {
		msg := s.messages[convID][id]
		if msg.ReadBy == nil {
			msg.ReadBy = make(map[string]time.Time)
		} else {
			copied := make(map[string]time.Time, len(msg.ReadBy))
			for k, v := range msg.ReadBy {
				copied[k] = v
			}
			msg.ReadBy = copied
		}
		msg.ReadBy[userID] = at
		s.messages[convID][id] = msg
	}
	s.mu.Unlock()
	s.notifyMessages(convID)
	return nil
}

func (s *MemoryStore) ResetUnread(ctx context.Context, convID, userID string) error {
	s.mu.Lock()
	conv, ok := s.convs[convID]
	if !ok {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	unread := make(map[string]int64, len(conv.Unread))
	for k, v := range conv.Unread {
		unread[k] = v
	}
	unread[userID] = 0
	conv.Unread = unread
	s.convs[convID] = conv
	s.mu.Unlock()
	s.notifyConversations()
	return nil
}

func (s *MemoryStore) CreateConversation(ctx context.Context, conv models.Conversation) error {
	s.mu.Lock()
	if _, exists := s.convs[conv.ID]; exists {
		s.mu.Unlock()
		return ErrConversationExists
	}
	s.convs[conv.ID] = conv
	s.mu.Unlock()
	s.notifyConversations()
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, convID string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[convID]
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

func (s *MemoryStore) FindDirectConversation(ctx context.Context, userID, otherID string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range s.convs {
		if conv.Type != models.TypeDirect || len(conv.Participants) != 2 {
			continue
		}
		if conv.HasParticipant(userID) && conv.HasParticipant(otherID) {
			return conv, nil
		}
	}
	return models.Conversation{}, ErrConversationNotFound
}

func (s *MemoryStore) UpdateLastMessage(ctx context.Context, convID string, msg models.Message, peers []string) error {
	s.mu.Lock()
	conv, ok := s.convs[convID]
	if !ok {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	conv.LastMessage = msg.Content
	conv.LastMessageAt = msg.CreatedAt
	conv.LastSenderID = msg.SenderID
	unread := make(map[string]int64, len(conv.Unread))
	for k, v := range conv.Unread {
		unread[k] = v
	}
	for _, peer := range peers {
		unread[peer]++
	}
	conv.Unread = unread
	s.convs[convID] = conv
	s.mu.Unlock()
	s.notifyConversations()
	return nil
}

func (s *MemoryStore) SetTyping(ctx context.Context, convID, userID string, typing bool) error {
	s.mu.Lock()
	conv, ok := s.convs[convID]
	if !ok {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	filtered := make([]string, 0, len(conv.Typing))
	for _, id := range conv.Typing {
		if id != userID {
			filtered = append(filtered, id)
		}
	}
	if typing {
		filtered = append(filtered, userID)
	}
	conv.Typing = filtered
	s.convs[convID] = conv
	s.mu.Unlock()
	s.notifyConversations()
	return nil
}

func (s *MemoryStore) HideConversation(ctx context.Context, convID, userID string) error {
	s.mu.Lock()
	conv, ok := s.convs[convID]
	if !ok {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	if !conv.HiddenForUser(userID) {
		conv.HiddenFor = append(append([]string(nil), conv.HiddenFor...), userID)
		s.convs[convID] = conv
	}
	s.mu.Unlock()
	s.notifyConversations()
	return nil
}

func (s *MemoryStore) SubscribeMessages(ctx context.Context, convID string, fn func([]models.Message)) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.msgSubs[convID] == nil {
		s.msgSubs[convID] = make(map[int]func([]models.Message))
	}
	s.msgSubs[convID][id] = fn
	initial := s.snapshotMessagesLocked(convID)
	s.mu.Unlock()

	sub := newSubscription(cancel)
	go func() {
		defer close(sub.done)
		<-ctx.Done()
		s.mu.Lock()
		delete(s.msgSubs[convID], id)
		s.mu.Unlock()
	}()
	fn(initial)
	return sub, nil
}

func (s *MemoryStore) SubscribeConversations(ctx context.Context, userID string, fn func([]models.Conversation)) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.convSubs[id] = convSubscriber{userID: userID, fn: fn}
	initial := s.snapshotConversationsLocked(userID)
	s.mu.Unlock()

	sub := newSubscription(cancel)
	go func() {
		defer close(sub.done)
		<-ctx.Done()
		s.mu.Lock()
		delete(s.convSubs, id)
		s.mu.Unlock()
	}()
	fn(initial)
	return sub, nil
}

func (s *MemoryStore) snapshotMessagesLocked(convID string) []models.Message {
	msgs := make([]models.Message, 0, len(s.messages[convID]))
	for _, msg := range s.messages[convID] {
		msgs = append(msgs, msg)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return msgs
}

func (s *MemoryStore) snapshotConversationsLocked(userID string) []models.Conversation {
	convs := make([]models.Conversation, 0, len(s.convs))
	for _, conv := range s.convs {
		if conv.HasParticipant(userID) {
			convs = append(convs, conv)
		}
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].LastMessageAt.After(convs[j].LastMessageAt) })
	return convs
}

func (s *MemoryStore) notifyMessages(convID string) {
	s.mu.Lock()
	snapshot := s.snapshotMessagesLocked(convID)
	fns := make([]func([]models.Message), 0, len(s.msgSubs[convID]))
	for _, fn := range s.msgSubs[convID] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(snapshot)
	}
}

func (s *MemoryStore) notifyConversations() {
	s.mu.Lock()
	subs := make([]convSubscriber, 0, len(s.convSubs))
	for _, sub := range s.convSubs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		s.mu.Lock()
		snapshot := s.snapshotConversationsLocked(sub.userID)
		s.mu.Unlock()
		sub.fn(snapshot)
	}
}
