package engine

import (
	"context"
	"errors"

	"chat-sync/internal/observability"
	"chat-sync/internal/store"
)

// markDelivered records that this client has received the message and, once
// the delivered-to set covers every participant, deletes the server copy.
// The cache, not the remote store, is the durable archive, so a fully
// delivered message is redundant server-side storage.
//
// Every step is idempotent: the union is safe to retry, and a second
// confirmation racing the deletion sees not-found, which is success.
func (e *Engine) markDelivered(ctx context.Context, convID, msgID string, participants []string) error {
	err := e.store.AddDeliveredTo(ctx, convID, msgID, e.userID)
	if errors.Is(err, store.ErrMessageNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	delivered, err := e.store.DeliveredTo(ctx, convID, msgID)
	if errors.Is(err, store.ErrMessageNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !sameSet(delivered, participants) {
		return nil
	}

	if err := e.store.DeleteMessage(ctx, convID, msgID); err != nil {
		return err
	}
	observability.IncDeliveryCompletion()
	_ = observability.PublishEvent(ctx, "sync_events.delivery", observability.EventEnvelope{
		EventType: "sync_events",
		EventName: "delivery_complete",
		Payload: map[string]interface{}{
			"conversation_id": convID,
			"message_id":      msgID,
		},
	}, nil)
	return nil
}

// sameSet compares two id lists as unordered sets. An empty participant
// list never counts as complete: it means the conversation document has not
// arrived yet, not that nobody is left to deliver to.
func sameSet(a, b []string) bool {
	if len(b) == 0 || len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, id := range a {
		seen[id] = struct{}{}
	}
	if len(seen) != len(b) {
		return false
	}
	for _, id := range b {
		if _, ok := seen[id]; !ok {
			return false
		}
	}
	return true
}
