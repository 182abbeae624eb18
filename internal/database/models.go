package database

import (
	"time"

	"github.com/npezzotti/capstone-chat/internal/types"
)

type User struct {
	Id       string
	Username string
	Email    string
	Phone    string
	Role     string
	GroupId  string
}

type Group struct {
	Id         string
	Name       string
	LeaderId   string
	Supervisor *User
	Members    []User
}

type Message struct {
	Id           string
	RoomKey      string
	ChatType     string
	GroupId      string
	Participants []string
	SenderId     string
	Text         types.Ciphertext
	MessageType  string
	Attachments  []types.Attachment
	ContactData  *types.ContactData
	DeletedBy    []string
	IsDeleted    bool
	IsEncrypted  bool
	CreatedAt    time.Time
}

type ReadReceipt struct {
	MessageId string
	RoomKey   string
	UserId    string
	ReadAt    time.Time
}

type ListMessagesParams struct {
	RoomKey string
	UserId  string
	Before  time.Time
	Limit   int
}
