package types

import (
	"time"
)

type ChatType string

const (
	ChatTypeIndividual ChatType = "individual"
	ChatTypeGroup      ChatType = "group"
	ChatTypePublic     ChatType = "public"
)

// Scope classifies what a room is for. It drives authorization and the
// encryption key a client derives for the room.
type Scope string

const (
	ScopePeer           Scope = "peer"
	ScopeSupervisor     Scope = "supervisor"
	ScopeTeam           Scope = "team"
	ScopeWithSupervisor Scope = "withSupervisor"
	ScopePublic         Scope = "public"
)

type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeDocument MessageType = "document"
	MessageTypeContact  MessageType = "contact"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeDocument, MessageTypeContact:
		return true
	}
	return false
}

type Role string

const (
	RoleStudent    Role = "student"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

type User struct {
	Id       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Role     Role   `json:"role,omitempty"`
}

type Participant struct {
	User
	IsOnline bool `json:"isOnline"`
}

type GroupSummary struct {
	Id           string `json:"id"`
	Name         string `json:"name"`
	MemberCount  int    `json:"memberCount"`
	SupervisorId string `json:"supervisorId,omitempty"`
}

type Room struct {
	Id           string        `json:"id"`
	Type         ChatType      `json:"type"`
	Scope        Scope         `json:"scope"`
	Name         string        `json:"name"`
	GroupId      string        `json:"groupId,omitempty"`
	Participants []Participant `json:"participants"`
	UnreadCount  *int          `json:"unreadCount,omitempty"`
}

// HasParticipant reports whether userId belongs to the room. Every user
// belongs to the public room.
func (r Room) HasParticipant(userId string) bool {
	if r.Scope == ScopePublic {
		return true
	}
	for _, p := range r.Participants {
		if p.Id == userId {
			return true
		}
	}
	return false
}

func (r Room) ParticipantIds() []string {
	ids := make([]string, len(r.Participants))
	for i, p := range r.Participants {
		ids[i] = p.Id
	}
	return ids
}

type Attachment struct {
	Url       Ciphertext `json:"url"`
	StorageId string     `json:"storageId,omitempty"`
	FileName  Ciphertext `json:"fileName"`
	FileType  string     `json:"fileType,omitempty"`
	FileSize  int64      `json:"fileSize,omitempty"`
}

type ContactData struct {
	UserId   string `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

// Message is the formatted form of a chat message sent to clients.
type Message struct {
	Id           string       `json:"id"`
	RoomKey      string       `json:"roomKey"`
	ChatType     ChatType     `json:"chatType"`
	GroupId      string       `json:"groupId,omitempty"`
	Participants []string     `json:"participants"`
	Sender       User         `json:"sender"`
	Text         Ciphertext   `json:"text"`
	MessageType  MessageType  `json:"messageType"`
	Attachments  []Attachment `json:"attachments"`
	ContactData  *ContactData `json:"contactData,omitempty"`
	IsDeleted    bool         `json:"isDeleted"`
	IsEncrypted  bool         `json:"isEncrypted"`
	ReadBy       []string     `json:"readBy,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
}
