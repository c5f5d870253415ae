package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"chat-sync/internal/models"
	"chat-sync/internal/store"
)

// Conversations returns the directory view ordered by last-message time
// descending.
func (e *Engine) Conversations() []models.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conversationsLocked()
}

// GetOrCreateDirect returns the one-on-one conversation with otherID,
// creating it if absent. Direct conversations use a deterministic id
// derived from the sorted participant pair, so both sides racing "start
// chat" converge on the same document. Conversations created before that
// scheme are still found by scanning the user's direct conversations for an
// exact participant-set match.
func (e *Engine) GetOrCreateDirect(ctx context.Context, otherID, otherName string) (models.Conversation, error) {
	if otherID == e.userID {
		return models.Conversation{}, fmt.Errorf("cannot start a conversation with yourself")
	}
	id := models.DirectConversationID(e.userID, otherID)

	e.mu.Lock()
	if conv, ok := e.convs[id]; ok {
		e.mu.Unlock()
		return conv, nil
	}
	for _, conv := range e.convs {
		if conv.Type == models.TypeDirect && len(conv.Participants) == 2 && conv.HasParticipant(otherID) {
			e.mu.Unlock()
			return conv, nil
		}
	}
	e.mu.Unlock()

	if conv, err := e.store.GetConversation(ctx, id); err == nil {
		e.adoptConversation(conv)
		return conv, nil
	} else if !errors.Is(err, store.ErrConversationNotFound) {
		return models.Conversation{}, fmt.Errorf("lookup conversation: %w", err)
	}

	if conv, err := e.store.FindDirectConversation(ctx, e.userID, otherID); err == nil {
		e.adoptConversation(conv)
		return conv, nil
	} else if !errors.Is(err, store.ErrConversationNotFound) {
		return models.Conversation{}, fmt.Errorf("scan conversations: %w", err)
	}

	participants := []string{e.userID, otherID}
	sort.Strings(participants)
	conv := models.Conversation{
		ID:           id,
		Type:         models.TypeDirect,
		Participants: participants,
		ParticipantNames: map[string]string{
			e.userID: e.userName,
			otherID:  otherName,
		},
		Unread:    map[string]int64{e.userID: 0, otherID: 0},
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateConversation(ctx, conv); err != nil {
		if errors.Is(err, store.ErrConversationExists) {
			existing, getErr := e.store.GetConversation(ctx, id)
			if getErr != nil {
				return models.Conversation{}, fmt.Errorf("fetch racing conversation: %w", getErr)
			}
			e.adoptConversation(existing)
			return existing, nil
		}
		return models.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	e.adoptConversation(conv)
	return conv, nil
}

// CreateGroup creates a group conversation containing the user plus members.
func (e *Engine) CreateGroup(ctx context.Context, name string, memberIDs []string, memberNames map[string]string) (models.Conversation, error) {
	participants := append([]string{e.userID}, memberIDs...)
	names := map[string]string{e.userID: e.userName}
	for id, n := range memberNames {
		names[id] = n
	}
	unread := make(map[string]int64, len(participants))
	for _, id := range participants {
		unread[id] = 0
	}
	conv := models.Conversation{
		ID:               uuid.NewString(),
		Type:             models.TypeGroup,
		Participants:     participants,
		ParticipantNames: names,
		Unread:           unread,
		Name:             name,
		CreatedAt:        time.Now().UTC(),
	}
	if err := e.store.CreateConversation(ctx, conv); err != nil {
		return models.Conversation{}, fmt.Errorf("create group: %w", err)
	}
	e.adoptConversation(conv)
	return conv, nil
}

// HideConversation removes the conversation from this user's cache and view
// and records the hide remotely. The document itself is never deleted by a
// single participant.
func (e *Engine) HideConversation(ctx context.Context, convID string) error {
	if err := e.store.HideConversation(ctx, convID, e.userID); err != nil {
		return fmt.Errorf("hide conversation: %w", err)
	}

	e.mu.Lock()
	delete(e.convs, convID)
	delete(e.messages, convID)
	feed := e.feeds[convID]
	delete(e.feeds, convID)
	if e.active == convID {
		e.active = ""
	}
	snapshot := e.conversationsLocked()
	e.mu.Unlock()

	feed.Stop()
	if err := e.cache.DeleteConversation(convID); err != nil {
		log.Printf("cache delete for conversation %s failed: %v", convID, err)
	}
	e.pub.PublishConversations(snapshot)
	return nil
}

func (e *Engine) adoptConversation(conv models.Conversation) {
	e.mu.Lock()
	e.convs[conv.ID] = conv
	if err := e.cache.SaveConversation(conv); err != nil {
		log.Printf("cache write for conversation %s failed: %v", conv.ID, err)
	}
	snapshot := e.conversationsLocked()
	e.mu.Unlock()
	e.pub.PublishConversations(snapshot)
}
