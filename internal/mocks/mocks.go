package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"chat-sync/internal/models"
	"chat-sync/internal/store"
)

type RemoteMock struct {
	mock.Mock
}

func (m *RemoteMock) PutMessage(ctx context.Context, convID string, msg models.Message) error {
	args := m.Called(ctx, convID, msg)
	return args.Error(0)
}

func (m *RemoteMock) AddDeliveredTo(ctx context.Context, convID, msgID, userID string) error {
	args := m.Called(ctx, convID, msgID, userID)
	return args.Error(0)
}

func (m *RemoteMock) DeliveredTo(ctx context.Context, convID, msgID string) ([]string, error) {
	args := m.Called(ctx, convID, msgID)
	var ids []string
	if val := args.Get(0); val != nil {
		ids = val.([]string)
	}
	return ids, args.Error(1)
}

func (m *RemoteMock) DeleteMessage(ctx context.Context, convID, msgID string) error {
	args := m.Called(ctx, convID, msgID)
	return args.Error(0)
}

func (m *RemoteMock) MarkRead(ctx context.Context, convID string, msgIDs []string, userID string, at time.Time) error {
	args := m.Called(ctx, convID, msgIDs, userID, at)
	return args.Error(0)
}

func (m *RemoteMock) ResetUnread(ctx context.Context, convID, userID string) error {
	args := m.Called(ctx, convID, userID)
	return args.Error(0)
}

func (m *RemoteMock) CreateConversation(ctx context.Context, conv models.Conversation) error {
	args := m.Called(ctx, conv)
	return args.Error(0)
}

func (m *RemoteMock) GetConversation(ctx context.Context, convID string) (models.Conversation, error) {
	args := m.Called(ctx, convID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *RemoteMock) FindDirectConversation(ctx context.Context, userID, otherID string) (models.Conversation, error) {
	args := m.Called(ctx, userID, otherID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *RemoteMock) UpdateLastMessage(ctx context.Context, convID string, msg models.Message, peers []string) error {
	args := m.Called(ctx, convID, msg, peers)
	return args.Error(0)
}

func (m *RemoteMock) SetTyping(ctx context.Context, convID, userID string, typing bool) error {
	args := m.Called(ctx, convID, userID, typing)
	return args.Error(0)
}

func (m *RemoteMock) HideConversation(ctx context.Context, convID, userID string) error {
	args := m.Called(ctx, convID, userID)
	return args.Error(0)
}

func (m *RemoteMock) SubscribeMessages(ctx context.Context, convID string, fn func([]models.Message)) (*store.Subscription, error) {
	args := m.Called(ctx, convID, fn)
	var sub *store.Subscription
	if val := args.Get(0); val != nil {
		sub = val.(*store.Subscription)
	}
	return sub, args.Error(1)
}

func (m *RemoteMock) SubscribeConversations(ctx context.Context, userID string, fn func([]models.Conversation)) (*store.Subscription, error) {
	args := m.Called(ctx, userID, fn)
	var sub *store.Subscription
	if val := args.Get(0); val != nil {
		sub = val.(*store.Subscription)
	}
	return sub, args.Error(1)
}

type FeedPublisherMock struct {
	mock.Mock
}

func (m *FeedPublisherMock) PublishMessages(convID string, msgs []models.Message) {
	m.Called(convID, msgs)
}

func (m *FeedPublisherMock) PublishConversations(convs []models.Conversation) {
	m.Called(convs)
}

var _ store.Remote = (*RemoteMock)(nil)
