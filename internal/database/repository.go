package database

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("not found")

type ChatRepository interface {
	Ping(ctx context.Context) error
	GetUser(ctx context.Context, userId string) (User, error)
	GetGroupWithMembers(ctx context.Context, groupId string) (*Group, error)
	ListSupervisedGroups(ctx context.Context, supervisorId string) ([]Group, error)
	CreateMessage(ctx context.Context, msg Message) (Message, error)
	GetMessage(ctx context.Context, messageId string) (Message, error)
	HardDeleteMessage(ctx context.Context, messageId string) error
	AddDeletedBy(ctx context.Context, messageId, userId string) error
	ListMessages(ctx context.Context, params ListMessagesParams) ([]Message, error)
	MessagesInRoom(ctx context.Context, roomKey string, messageIds []string) ([]string, error)
	ReceiptExists(ctx context.Context, messageId, userId string) (bool, error)
	CreateReceipt(ctx context.Context, receipt ReadReceipt) error
	ListReceipts(ctx context.Context, messageIds []string) ([]ReadReceipt, error)
	UnreadCounts(ctx context.Context, userId string, roomKeys []string) (map[string]int, error)
}
