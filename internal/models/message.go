package models

import "time"

// Kind classifies message content.
type Kind string

const (
	KindText   Kind = "text"
	KindImage  Kind = "image"
	KindAudio  Kind = "audio"
	KindSystem Kind = "system"
)

// Status is the delivery lifecycle of a message as shown to its sender.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Message is the atomic unit of conversation content. The id is assigned
// client-side at creation time and never changes across the
// optimistic-to-confirmed transition.
type Message struct {
	ID             string               `firestore:"id" json:"id"`
	ConversationID string               `firestore:"conversationId" json:"conversation_id"`
	SenderID       string               `firestore:"senderId" json:"sender_id"`
	SenderName     string               `firestore:"senderName" json:"sender_name"`
	Content        string               `firestore:"content" json:"content"`
	Kind           Kind                 `firestore:"kind" json:"kind"`
	Status         Status               `firestore:"status" json:"status"`
	CreatedAt      time.Time            `firestore:"createdAt" json:"created_at"`
	DeliveredTo    []string             `firestore:"deliveredTo" json:"delivered_to"`
	ReadBy         map[string]time.Time `firestore:"readBy" json:"read_by"`

	// Optimistic marks a locally created message the remote store has not
	// confirmed yet. It exists only in the cache and UI state; the remote
	// store always holds the non-optimistic form.
	Optimistic bool `firestore:"-" json:"optimistic"`

	// Enrichment fields produced by the AI collaborator. Opaque to the
	// engine: they ride along on the message and are never validated here.
	Translation string           `firestore:"translation,omitempty" json:"translation,omitempty"`
	Annotations []WordAnnotation `firestore:"annotations,omitempty" json:"annotations,omitempty"`
}

// WordAnnotation is a word-level gloss attached by the AI collaborator.
type WordAnnotation struct {
	Word         string `firestore:"word" json:"word"`
	Gloss        string `firestore:"gloss" json:"gloss"`
	Romanization string `firestore:"romanization,omitempty" json:"romanization,omitempty"`
}

// DeliveredToContains reports whether userID is in the delivered-to set.
func (m Message) DeliveredToContains(userID string) bool {
	for _, id := range m.DeliveredTo {
		if id == userID {
			return true
		}
	}
	return false
}

// ReadByOther reports whether anyone besides the sender has read the message.
func (m Message) ReadByOther() bool {
	for id := range m.ReadBy {
		if id != m.SenderID {
			return true
		}
	}
	return false
}

// MessageEvent is broadcast to UI subscribers of a conversation feed.
type MessageEvent struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}
