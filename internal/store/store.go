package store

import (
	"context"
	"errors"
	"time"

	"chat-sync/internal/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationExists   = errors.New("conversation already exists")
	ErrMessageNotFound      = errors.New("message not found")
	ErrPermissionDenied     = errors.New("permission denied")
)

// Remote abstracts the document-oriented backend holding the authoritative
// copy of conversations and their message collections. All writes map onto
// the backend's atomic partial-update primitives: array-union for the
// delivered-to, read-by, typing and hidden-for sets, numeric increment for
// unread counters, and batched writes for read receipts.
type Remote interface {
	// PutMessage writes the confirmed (non-optimistic) form of a message.
	PutMessage(ctx context.Context, convID string, msg models.Message) error
	// AddDeliveredTo unions userID into the message's delivered-to set.
	// Idempotent and safe to retry; adding to an already-deleted message
	// reports ErrMessageNotFound.
	AddDeliveredTo(ctx context.Context, convID, msgID, userID string) error
	// DeliveredTo re-fetches the message's current delivered-to set.
	DeliveredTo(ctx context.Context, convID, msgID string) ([]string, error)
	// DeleteMessage removes the server copy. Deleting an absent document is
	// not an error.
	DeleteMessage(ctx context.Context, convID, msgID string) error
	// MarkRead unions userID (with a read timestamp) into the read-by set
	// of every listed message as one atomic batch.
	MarkRead(ctx context.Context, convID string, msgIDs []string, userID string, at time.Time) error
	// ResetUnread zeroes the conversation's unread counter for userID.
	ResetUnread(ctx context.Context, convID, userID string) error

	CreateConversation(ctx context.Context, conv models.Conversation) error
	GetConversation(ctx context.Context, convID string) (models.Conversation, error)
	// FindDirectConversation scans the user's direct conversations for an
	// exact participant-set match. The backend's query model only supports
	// array-contains, so set equality is checked client-side.
	FindDirectConversation(ctx context.Context, userID, otherID string) (models.Conversation, error)
	// UpdateLastMessage refreshes the denormalized last-message fields and
	// increments the unread counter of every peer in one update.
	UpdateLastMessage(ctx context.Context, convID string, msg models.Message, peers []string) error
	SetTyping(ctx context.Context, convID, userID string, typing bool) error
	HideConversation(ctx context.Context, convID, userID string) error

	// SubscribeMessages opens a live snapshot feed over the conversation's
	// message collection ordered by timestamp ascending. fn receives the
	// full matching set on every change until the subscription is stopped.
	SubscribeMessages(ctx context.Context, convID string, fn func([]models.Message)) (*Subscription, error)
	// SubscribeConversations opens a live snapshot feed over every
	// conversation containing userID, ordered by last-message time
	// descending.
	SubscribeConversations(ctx context.Context, userID string, fn func([]models.Conversation)) (*Subscription, error)
}

// Subscription is a cancellable handle to a snapshot feed. Stop tears the
// feed down and waits for its goroutine to exit, so no callback fires after
// Stop returns.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newSubscription(cancel context.CancelFunc) *Subscription {
	return &Subscription{cancel: cancel, done: make(chan struct{})}
}

// Stop cancels the feed and blocks until it has shut down.
func (s *Subscription) Stop() {
	if s == nil {
		return
	}
	s.cancel()
	<-s.done
}
