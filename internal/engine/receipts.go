package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat-sync/internal/observability"
	"chat-sync/internal/store"
)

// MarkAllRead adds the user to the read-by set of every in-memory message
// in the conversation sent by someone else and not yet read by them, as one
// batched remote write, then zeroes the conversation's unread counter for
// the user. Messages whose delivered-to set already covers every participant
// are skipped: their server copy has been garbage-collected, so there is no
// document left to carry the receipt.
func (e *Engine) MarkAllRead(ctx context.Context, convID string) error {
	e.mu.Lock()
	participants := e.convs[convID].Participants
	var ids []string
	for _, m := range e.messages[convID] {
		if m.SenderID == e.userID {
			continue
		}
		if _, read := m.ReadBy[e.userID]; read {
			continue
		}
		if len(participants) > 0 && len(m.DeliveredTo) >= len(participants) && sameSet(m.DeliveredTo, participants) {
			continue
		}
		ids = append(ids, m.ID)
	}
	e.mu.Unlock()

	if len(ids) > 0 {
		now := time.Now().UTC()
		if err := e.store.MarkRead(ctx, convID, ids, e.userID, now); err != nil {
			if !errors.Is(err, store.ErrMessageNotFound) {
				return fmt.Errorf("mark read batch: %w", err)
			}
			// The batch aborted on a message whose server copy was already
			// garbage-collected under us; a stale local delivered-to set can
			// hide that. Mark the survivors one by one instead.
			marked := 0
			for _, id := range ids {
				err := e.store.MarkRead(ctx, convID, []string{id}, e.userID, now)
				switch {
				case err == nil:
					marked++
				case errors.Is(err, store.ErrMessageNotFound):
				default:
					return fmt.Errorf("mark read %s: %w", id, err)
				}
			}
			observability.IncReadReceiptBatch(marked)
		} else {
			observability.IncReadReceiptBatch(len(ids))
		}
	}
	if err := e.store.ResetUnread(ctx, convID, e.userID); err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	return nil
}
