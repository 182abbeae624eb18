package server

import (
	"github.com/npezzotti/capstone-chat/internal/database"
	"github.com/npezzotti/capstone-chat/internal/types"
)

// FormatMessage converts a stored message to its client form. A hard deleted
// message keeps its identity and timestamps but never exposes a payload.
func FormatMessage(m database.Message, sender types.User, readBy []string) types.Message {
	if sender.Id == "" {
		sender.Id = m.SenderId
	}

	out := types.Message{
		Id:           m.Id,
		RoomKey:      m.RoomKey,
		ChatType:     types.ChatType(m.ChatType),
		GroupId:      m.GroupId,
		Participants: m.Participants,
		Sender:       sender,
		Text:         m.Text,
		MessageType:  types.MessageType(m.MessageType),
		Attachments:  m.Attachments,
		ContactData:  m.ContactData,
		IsDeleted:    m.IsDeleted,
		IsEncrypted:  m.IsEncrypted,
		ReadBy:       readBy,
		CreatedAt:    m.CreatedAt,
	}

	if out.Participants == nil {
		out.Participants = []string{}
	}

	if m.IsDeleted {
		out.Text = types.Ciphertext{}
		out.Attachments = []types.Attachment{}
		out.ContactData = nil
	} else if out.Attachments == nil {
		out.Attachments = []types.Attachment{}
	}

	return out
}
