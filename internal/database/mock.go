package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockChatRepository) GetUser(ctx context.Context, userId string) (User, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetGroupWithMembers(ctx context.Context, groupId string) (*Group, error) {
	args := m.Called(ctx, groupId)
	if g, ok := args.Get(0).(*Group); ok {
		return g, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) ListSupervisedGroups(ctx context.Context, supervisorId string) ([]Group, error) {
	args := m.Called(ctx, supervisorId)
	if gs, ok := args.Get(0).([]Group); ok {
		return gs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessage(ctx context.Context, messageId string) (Message, error) {
	args := m.Called(ctx, messageId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) HardDeleteMessage(ctx context.Context, messageId string) error {
	args := m.Called(ctx, messageId)
	return args.Error(0)
}
func (m *MockChatRepository) AddDeletedBy(ctx context.Context, messageId, userId string) error {
	args := m.Called(ctx, messageId, userId)
	return args.Error(0)
}
func (m *MockChatRepository) ListMessages(ctx context.Context, params ListMessagesParams) ([]Message, error) {
	args := m.Called(ctx, params)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) MessagesInRoom(ctx context.Context, roomKey string, messageIds []string) ([]string, error) {
	args := m.Called(ctx, roomKey, messageIds)
	if ids, ok := args.Get(0).([]string); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) ReceiptExists(ctx context.Context, messageId, userId string) (bool, error) {
	args := m.Called(ctx, messageId, userId)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatRepository) CreateReceipt(ctx context.Context, receipt ReadReceipt) error {
	args := m.Called(ctx, receipt)
	return args.Error(0)
}
func (m *MockChatRepository) ListReceipts(ctx context.Context, messageIds []string) ([]ReadReceipt, error) {
	args := m.Called(ctx, messageIds)
	if rs, ok := args.Get(0).([]ReadReceipt); ok {
		return rs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) UnreadCounts(ctx context.Context, userId string, roomKeys []string) (map[string]int, error) {
	args := m.Called(ctx, userId, roomKeys)
	if counts, ok := args.Get(0).(map[string]int); ok {
		return counts, args.Error(1)
	}
	return nil, args.Error(1)
}
