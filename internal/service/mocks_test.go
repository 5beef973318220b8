package service_test

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"chatsync/internal/domain"
)

type MockConversationRepo struct {
	mock.Mock
}

func (m *MockConversationRepo) Create(ctx context.Context, c *domain.Conversation, memberIDs []string) error {
	args := m.Called(ctx, c, memberIDs)
	return args.Error(0)
}

func (m *MockConversationRepo) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Conversation), args.Error(1)
}

func (m *MockConversationRepo) ListForUser(ctx context.Context, userID string, offset, limit int) ([]*domain.Conversation, error) {
	args := m.Called(ctx, userID, offset, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Conversation), args.Error(1)
}

func (m *MockConversationRepo) FindExistingDirect(ctx context.Context, a, b string) (*domain.Conversation, error) {
	args := m.Called(ctx, a, b)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Conversation), args.Error(1)
}

func (m *MockConversationRepo) MemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	args := m.Called(ctx, conversationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockConversationRepo) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

type MockMessageRepo struct {
	mock.Mock
}

func (m *MockMessageRepo) Insert(ctx context.Context, row *domain.MessageRow, memberIDs []string) (bool, error) {
	args := m.Called(ctx, row, memberIDs)
	return args.Bool(0), args.Error(1)
}

func (m *MockMessageRepo) GetByID(ctx context.Context, id string) (*domain.MessageRow, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.MessageRow), args.Error(1)
}

func (m *MockMessageRepo) ListBefore(ctx context.Context, conversationID, viewerID string, before domain.Cursor, limit int) ([]*domain.MessageRow, error) {
	args := m.Called(ctx, conversationID, viewerID, before, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.MessageRow), args.Error(1)
}

func (m *MockMessageRepo) AdvanceStatus(ctx context.Context, row *domain.MessageRow, userID string, status domain.Status) (domain.StatusChange, bool, error) {
	args := m.Called(ctx, row, userID, status)
	return args.Get(0).(domain.StatusChange), args.Bool(1), args.Error(2)
}

func (m *MockMessageRepo) MarkReadUpTo(ctx context.Context, conversationID, userID string, at time.Time) (*domain.MemberRow, bool, error) {
	args := m.Called(ctx, conversationID, userID, at)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*domain.MemberRow), args.Bool(1), args.Error(2)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, userIDs []string, ev domain.ChangeEvent) error {
	args := m.Called(ctx, userIDs, ev)
	return args.Error(0)
}

func eventOn(table string, op domain.Operation) any {
	return mock.MatchedBy(func(ev domain.ChangeEvent) bool {
		return ev.Table == table && ev.Operation == op
	})
}
