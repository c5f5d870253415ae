package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/cockroachdb/pebble"

	"chat-sync/internal/models"
)

// Cache is the durable on-device store of conversations and messages. It is
// the source of instant, offline-available reads and the permanent archive
// once the remote copy of a message has been garbage-collected.
//
// Key layout:
//
//	conv:<convID>                      conversation document
//	msg:<convID>:<unixnano-padded>:<msgID>  message document, timestamp-ordered
//	msgidx:<convID>:<msgID>            message id -> current msg key
//
// Iterating the msg:<convID>: prefix yields messages in timestamp order. The
// index entry lets a confirmed message whose server timestamp differs from
// its optimistic one replace the old key instead of duplicating it.
type Cache struct {
	db *pebble.DB
}

// Open opens (or creates) the cache database at path.
func Open(path string) (*Cache, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

func convKey(convID string) []byte {
	return []byte("conv:" + convID)
}

func msgKey(convID string, msg models.Message) []byte {
	return []byte(fmt.Sprintf("msg:%s:%020d:%s", convID, msg.CreatedAt.UnixNano(), msg.ID))
}

func msgIdxKey(convID, msgID string) []byte {
	return []byte("msgidx:" + convID + ":" + msgID)
}

// SaveConversation upserts a conversation document.
func (c *Cache) SaveConversation(conv models.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	return c.db.Set(convKey(conv.ID), data, pebble.Sync)
}

// Conversations returns every cached conversation.
func (c *Cache) Conversations() ([]models.Conversation, error) {
	iter, err := c.db.NewIter(prefixBounds("conv:"))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var convs []models.Conversation
	for iter.First(); iter.Valid(); iter.Next() {
		var conv models.Conversation
		if err := json.Unmarshal(iter.Value(), &conv); err != nil {
			log.Printf("skipping malformed cached conversation %q: %v", iter.Key(), err)
			continue
		}
		convs = append(convs, conv)
	}
	return convs, iter.Error()
}

// DeleteConversation removes a conversation and its messages from the cache.
// This is the local-deletion path; the remote document is untouched.
func (c *Cache) DeleteConversation(convID string) error {
	batch := c.db.NewBatch()
	if err := batch.Delete(convKey(convID), nil); err != nil {
		return err
	}
	for _, prefix := range []string{"msg:" + convID + ":", "msgidx:" + convID + ":"} {
		bounds := prefixBounds(prefix)
		if err := batch.DeleteRange(bounds.LowerBound, bounds.UpperBound, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// SaveMessage upserts a message. If the message was previously cached under
// a different timestamp key, the old entry is replaced.
func (c *Cache) SaveMessage(msg models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	key := msgKey(msg.ConversationID, msg)
	idxKey := msgIdxKey(msg.ConversationID, msg.ID)

	batch := c.db.NewBatch()
	if old, closer, err := c.db.Get(idxKey); err == nil {
		if string(old) != string(key) {
			if err := batch.Delete(old, nil); err != nil {
				closer.Close()
				return err
			}
		}
		closer.Close()
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}
	if err := batch.Set(key, data, nil); err != nil {
		return err
	}
	if err := batch.Set(idxKey, key, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// Messages returns the cached messages of a conversation in timestamp order.
func (c *Cache) Messages(convID string) ([]models.Message, error) {
	iter, err := c.db.NewIter(prefixBounds("msg:" + convID + ":"))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var msgs []models.Message
	for iter.First(); iter.Valid(); iter.Next() {
		var msg models.Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			log.Printf("skipping malformed cached message %q: %v", iter.Key(), err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, iter.Error()
}

func prefixBounds(prefix string) *pebble.IterOptions {
	lower := []byte(prefix)
	upper := make([]byte, len(lower))
	copy(upper, lower)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			upper = upper[:i+1]
			break
		}
	}
	return &pebble.IterOptions{LowerBound: lower, UpperBound: upper}
}
