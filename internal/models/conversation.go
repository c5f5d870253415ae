package models

import (
	"sort"
	"time"
)

// ConversationType distinguishes one-on-one chats from groups.
type ConversationType string

const (
	TypeDirect ConversationType = "direct"
	TypeGroup  ConversationType = "group"
)

// Conversation is a participant set plus a denormalized summary of its
// latest message. For direct conversations the participant set is exactly
// two ids and immutable after creation; group membership may grow.
type Conversation struct {
	ID               string            `firestore:"id" json:"id"`
	Type             ConversationType  `firestore:"type" json:"type"`
	Participants     []string          `firestore:"participants" json:"participants"`
	ParticipantNames map[string]string `firestore:"participantNames" json:"participant_names"`
	LastMessage      string            `firestore:"lastMessage" json:"last_message"`
	LastMessageAt    time.Time         `firestore:"lastMessageAt" json:"last_message_at"`
	LastSenderID     string            `firestore:"lastSenderId" json:"last_sender_id"`
	Unread           map[string]int64  `firestore:"unread" json:"unread"`
	Typing           []string          `firestore:"typing" json:"typing"`
	HiddenFor        []string          `firestore:"hiddenFor" json:"hidden_for"`
	Name             string            `firestore:"name,omitempty" json:"name,omitempty"`
	AvatarURL        string            `firestore:"avatarUrl,omitempty" json:"avatar_url,omitempty"`
	CreatedAt        time.Time         `firestore:"createdAt" json:"created_at"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, id := range c.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// HiddenForUser reports whether userID has locally deleted the conversation.
func (c Conversation) HiddenForUser(userID string) bool {
	for _, id := range c.HiddenFor {
		if id == userID {
			return true
		}
	}
	return false
}

// DirectConversationID derives the deterministic document id for a
// one-on-one conversation from its two participants. Both sides racing
// "start chat" therefore converge on the same document instead of creating
// duplicates.
func DirectConversationID(userID, otherID string) string {
	pair := []string{userID, otherID}
	sort.Strings(pair)
	return "d:" + pair[0] + ":" + pair[1]
}

// ConversationEvent is broadcast to UI subscribers of the directory feed.
type ConversationEvent struct {
	Type          string         `json:"type"`
	Conversations []Conversation `json:"conversations"`
}
