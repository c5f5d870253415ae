package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
)

const (
	conversationsCollection = "conversations"
	messagesCollection      = "messages"
)

// FirestoreStore is the Remote implementation backed by Cloud Firestore.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore connects to Firestore for the given project. When
// credentialsFile is empty, application default credentials are used.
func NewFirestoreStore(ctx context.Context, projectID, credentialsFile string) (*FirestoreStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firestore client: %w", err)
	}
	return &FirestoreStore{client: client}, nil
}

// Close releases the underlying client.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) convDoc(convID string) *firestore.DocumentRef {
	return s.client.Collection(conversationsCollection).Doc(convID)
}

func (s *FirestoreStore) msgDoc(convID, msgID string) *firestore.DocumentRef {
	return s.convDoc(convID).Collection(messagesCollection).Doc(msgID)
}

func (s *FirestoreStore) PutMessage(ctx context.Context, convID string, msg models.Message) error {
	_, err := s.msgDoc(convID, msg.ID).Set(ctx, msg)
	return translateErr(err, ErrMessageNotFound)
}

func (s *FirestoreStore) AddDeliveredTo(ctx context.Context, convID, msgID, userID string) error {
	_, err := s.msgDoc(convID, msgID).Update(ctx, []firestore.Update{
		{Path: "deliveredTo", Value: firestore.ArrayUnion(userID)},
	})
	return translateErr(err, ErrMessageNotFound)
}

func (s *FirestoreStore) DeliveredTo(ctx context.Context, convID, msgID string) ([]string, error) {
	snap, err := s.msgDoc(convID, msgID).Get(ctx)
	if err != nil {
		return nil, translateErr(err, ErrMessageNotFound)
	}
	var msg models.Message
	if err := snap.DataTo(&msg); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", msgID, err)
	}
	return msg.DeliveredTo, nil
}

func (s *FirestoreStore) DeleteMessage(ctx context.Context, convID, msgID string) error {
	// Firestore deletes are idempotent; a racing second cleanup is a no-op.
	_, err := s.msgDoc(convID, msgID).Delete(ctx)
	if err := translateErr(err, ErrMessageNotFound); err != nil && err != ErrMessageNotFound {
		return err
	}
	return nil
}

func (s *FirestoreStore) MarkRead(ctx context.Context, convID string, msgIDs []string, userID string, at time.Time) error {
	if len(msgIDs) == 0 {
		return nil
	}
	batch := s.client.Batch()
	for _, id := range msgIDs {
		batch.Update(s.msgDoc(convID, id), []firestore.Update{
			{FieldPath: firestore.FieldPath{"readBy", userID}, Value: at},
		})
	}
	_, err := batch.Commit(ctx)
	return translateErr(err, ErrMessageNotFound)
}

func (s *FirestoreStore) ResetUnread(ctx context.Context, convID, userID string) error {
	_, err := s.convDoc(convID).Update(ctx, []firestore.Update{
		{FieldPath: firestore.FieldPath{"unread", userID}, Value: int64(0)},
	})
	return translateErr(err, ErrConversationNotFound)
}

func (s *FirestoreStore) CreateConversation(ctx context.Context, conv models.Conversation) error {
	_, err := s.convDoc(conv.ID).Create(ctx, conv)
	if status.Code(err) == codes.AlreadyExists {
		return ErrConversationExists
	}
	return translateErr(err, ErrConversationNotFound)
}

func (s *FirestoreStore) GetConversation(ctx context.Context, convID string) (models.Conversation, error) {
	snap, err := s.convDoc(convID).Get(ctx)
	if err != nil {
		return models.Conversation{}, translateErr(err, ErrConversationNotFound)
	}
	var conv models.Conversation
	if err := snap.DataTo(&conv); err != nil {
		return models.Conversation{}, fmt.Errorf("decode conversation %s: %w", convID, err)
	}
	return conv, nil
}

func (s *FirestoreStore) FindDirectConversation(ctx context.Context, userID, otherID string) (models.Conversation, error) {
	iter := s.client.Collection(conversationsCollection).
		Where("type", "==", string(models.TypeDirect)).
		Where("participants", "array-contains", userID).
		Documents(ctx)
	defer iter.Stop()

	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return models.Conversation{}, translateErr(err, ErrConversationNotFound)
		}
		var conv models.Conversation
		if err := snap.DataTo(&conv); err != nil {
			log.Printf("skipping malformed conversation %s: %v", snap.Ref.ID, err)
			observability.IncDecodeSkip("conversation")
			continue
		}
		if len(conv.Participants) == 2 && conv.HasParticipant(userID) && conv.HasParticipant(otherID) {
			return conv, nil
		}
	}
	return models.Conversation{}, ErrConversationNotFound
}

func (s *FirestoreStore) UpdateLastMessage(ctx context.Context, convID string, msg models.Message, peers []string) error {
	updates := []firestore.Update{
		{Path: "lastMessage", Value: msg.Content},
		{Path: "lastMessageAt", Value: msg.CreatedAt},
		{Path: "lastSenderId", Value: msg.SenderID},
	}
	for _, peer := range peers {
		updates = append(updates, firestore.Update{
			FieldPath: firestore.FieldPath{"unread", peer},
			Value:     firestore.Increment(1),
		})
	}
	_, err := s.convDoc(convID).Update(ctx, updates)
	return translateErr(err, ErrConversationNotFound)
}

func (s *FirestoreStore) SetTyping(ctx context.Context, convID, userID string, typing bool) error {
	_, err := s.convDoc(convID).Update(ctx, []firestore.Update{typingUpdate(userID, typing)})
	return translateErr(err, ErrConversationNotFound)
}

// typingUpdate builds the partial update toggling the user's presence in the
// typing set. ArrayUnion and ArrayRemove return distinct unexported types, so
// the value is held as interface{}.
func typingUpdate(userID string, typing bool) firestore.Update {
	var value interface{} = firestore.ArrayRemove(userID)
	if typing {
		value = firestore.ArrayUnion(userID)
	}
	return firestore.Update{Path: "typing", Value: value}
}

func (s *FirestoreStore) HideConversation(ctx context.Context, convID, userID string) error {
	_, err := s.convDoc(convID).Update(ctx, []firestore.Update{
		{Path: "hiddenFor", Value: firestore.ArrayUnion(userID)},
	})
	return translateErr(err, ErrConversationNotFound)
}

func (s *FirestoreStore) SubscribeMessages(ctx context.Context, convID string, fn func([]models.Message)) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	query := s.convDoc(convID).Collection(messagesCollection).OrderBy("createdAt", firestore.Asc)
	snaps := query.Snapshots(ctx)
	sub := newSubscription(cancel)

	go func() {
		defer close(sub.done)
		defer snaps.Stop()
		for {
			snap, err := snaps.Next()
			if err != nil {
				if status.Code(err) != codes.Canceled {
					log.Printf("message feed for %s ended: %v", convID, err)
				}
				return
			}
			msgs := decodeMessages(snap.Documents)
			observability.IncSnapshotApplied("messages")
			fn(msgs)
		}
	}()
	return sub, nil
}

func (s *FirestoreStore) SubscribeConversations(ctx context.Context, userID string, fn func([]models.Conversation)) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	query := s.client.Collection(conversationsCollection).
		Where("participants", "array-contains", userID).
		OrderBy("lastMessageAt", firestore.Desc)
	snaps := query.Snapshots(ctx)
	sub := newSubscription(cancel)

	go func() {
		defer close(sub.done)
		defer snaps.Stop()
		for {
			snap, err := snaps.Next()
			if err != nil {
				if status.Code(err) != codes.Canceled {
					log.Printf("conversation feed for %s ended: %v", userID, err)
				}
				return
			}
			convs := decodeConversations(snap.Documents)
			observability.IncSnapshotApplied("conversations")
			fn(convs)
		}
	}()
	return sub, nil
}

func decodeMessages(docs *firestore.DocumentIterator) []models.Message {
	defer docs.Stop()
	var msgs []models.Message
	for {
		snap, err := docs.Next()
		if err == iterator.Done {
			return msgs
		}
		if err != nil {
			log.Printf("message snapshot iteration: %v", err)
			return msgs
		}
		var msg models.Message
		if err := snap.DataTo(&msg); err != nil {
			// A malformed document must never sink the whole merge.
			log.Printf("skipping malformed message %s: %v", snap.Ref.ID, err)
			observability.IncDecodeSkip("message")
			continue
		}
		msgs = append(msgs, msg)
	}
}

func decodeConversations(docs *firestore.DocumentIterator) []models.Conversation {
	defer docs.Stop()
	var convs []models.Conversation
	for {
		snap, err := docs.Next()
		if err == iterator.Done {
			return convs
		}
		if err != nil {
			log.Printf("conversation snapshot iteration: %v", err)
			return convs
		}
		var conv models.Conversation
		if err := snap.DataTo(&conv); err != nil {
			log.Printf("skipping malformed conversation %s: %v", snap.Ref.ID, err)
			observability.IncDecodeSkip("conversation")
			continue
		}
		convs = append(convs, conv)
	}
}

func translateErr(err error, notFound error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.NotFound:
		return notFound
	case codes.PermissionDenied:
		return ErrPermissionDenied
	}
	return err
}
