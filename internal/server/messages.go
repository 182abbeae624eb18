package server

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/npezzotti/capstone-chat/internal/database"
	"github.com/npezzotti/capstone-chat/internal/rooms"
	"github.com/npezzotti/capstone-chat/internal/types"
)

// Client events.
const (
	EventSend     = "chat:send"
	EventMarkRead = "chat:mark-read"
	EventDelete   = "chat:delete"
	EventRefresh  = "chat:refresh"
)

// Server events.
const (
	EventAck            = "ack"
	EventRooms          = "chat:rooms"
	EventNewMessage     = "chat:new-message"
	EventMessagesRead   = "chat:messages-read"
	EventMessageDeleted = "chat:message-deleted"
	EventUserStatus     = "chat:user-status"
	EventError          = "chat:error"
)

// Signaling events, relayed under the same name they arrive with.
const (
	EventRtcRing        = "rtc:ring"
	EventRtcRingAccept  = "rtc:ring:accept"
	EventRtcRingDecline = "rtc:ring:decline"
	EventRtcOffer       = "rtc:offer"
	EventRtcAnswer      = "rtc:answer"
	EventRtcCandidate   = "rtc:candidate"
	EventRtcEnd         = "rtc:end"
)

func isSignalEvent(event string) bool {
	switch event {
	case EventRtcRing, EventRtcRingAccept, EventRtcRingDecline,
		EventRtcOffer, EventRtcAnswer, EventRtcCandidate, EventRtcEnd:
		return true
	}
	return false
}

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is a decoded client event. Exactly one of the request fields
// is set after parseClientMessage succeeds.
type ClientMessage struct {
	BaseMessage
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`

	Send     *SendRequest     `json:"-"`
	MarkRead *MarkReadRequest `json:"-"`
	Delete   *DeleteRequest   `json:"-"`
	Refresh  *RefreshRequest  `json:"-"`
	Signal   *SignalRequest   `json:"-"`

	client *Client
	// room is the sender's view of the target room when the message was queued.
	room types.Room
	// target is the stored message a delete refers to.
	target *database.Message
}

type SendRequest struct {
	RoomKey     string             `json:"roomKey"`
	Text        types.Ciphertext   `json:"text"`
	MessageType types.MessageType  `json:"messageType,omitempty"`
	Attachments []types.Attachment `json:"attachments,omitempty"`
	ContactData *types.ContactData `json:"contactData,omitempty"`
	IsEncrypted bool               `json:"isEncrypted,omitempty"`
}

// validate checks the payload and fills in a default message type.
func (r *SendRequest) validate() error {
	if r.RoomKey == "" {
		return ErrRoomKeyRequired
	}
	if r.Text.IsZero() && len(r.Attachments) == 0 && r.ContactData == nil {
		return ErrEmptyMessage
	}

	if r.MessageType == "" {
		r.MessageType = inferMessageType(r)
	} else if !r.MessageType.Valid() {
		return ErrInvalidMessageType
	}

	return nil
}

func inferMessageType(r *SendRequest) types.MessageType {
	switch {
	case r.ContactData != nil:
		return types.MessageTypeContact
	case len(r.Attachments) > 0:
		if strings.HasPrefix(r.Attachments[0].FileType, "image/") {
			return types.MessageTypeImage
		}
		return types.MessageTypeDocument
	default:
		return types.MessageTypeText
	}
}

type MarkReadRequest struct {
	RoomKey    string   `json:"roomKey"`
	MessageIds []string `json:"messageIds"`
}

func (r *MarkReadRequest) validate() error {
	if r.RoomKey == "" {
		return ErrRoomKeyRequired
	}
	if len(r.MessageIds) == 0 {
		return ErrMessageIdsRequired
	}
	return nil
}

type DeleteRequest struct {
	MessageId         string `json:"messageId"`
	DeleteForEveryone bool   `json:"deleteForEveryone"`
}

type RefreshRequest struct{}

// SignalRequest is the payload of every rtc:* event. Older clients put the
// payload under offer, answer or candidate instead of payload.
type SignalRequest struct {
	To        string          `json:"to"`
	RoomKey   string          `json:"roomKey"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

func (r *SignalRequest) payload() json.RawMessage {
	for _, p := range []json.RawMessage{r.Payload, r.Offer, r.Answer, r.Candidate} {
		if len(p) > 0 {
			return p
		}
	}
	return nil
}

// parseClientMessage decodes the envelope and the payload for its event.
// A message with an undecodable envelope yields a nil message. Otherwise the
// message is returned along with any payload error so the caller can
// acknowledge the failure by id.
func parseClientMessage(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, ErrInvalidMessage
	}

	var target any
	switch {
	case msg.Event == EventSend:
		msg.Send = &SendRequest{}
		target = msg.Send
	case msg.Event == EventMarkRead:
		msg.MarkRead = &MarkReadRequest{}
		target = msg.MarkRead
	case msg.Event == EventDelete:
		msg.Delete = &DeleteRequest{}
		target = msg.Delete
	case msg.Event == EventRefresh:
		msg.Refresh = &RefreshRequest{}
		return &msg, nil
	case isSignalEvent(msg.Event):
		msg.Signal = &SignalRequest{}
		target = msg.Signal
	default:
		return &msg, ErrUnknownEvent
	}

	if len(msg.Data) == 0 {
		return &msg, ErrInvalidMessage
	}
	if err := json.Unmarshal(msg.Data, target); err != nil {
		return &msg, ErrInvalidMessage
	}

	return &msg, nil
}

type ServerMessage struct {
	BaseMessage
	Event      string  `json:"event"`
	Ack        *Ack    `json:"ack,omitempty"`
	Data       any     `json:"data,omitempty"`
	SkipClient *Client `json:"-"`
}

type Ack struct {
	Success bool      `json:"success"`
	Message string    `json:"message,omitempty"`
	Code    ErrorCode `json:"code,omitempty"`
	Data    any       `json:"data,omitempty"`
}

// RoomsEvent is pushed after connect and refresh.
type RoomsEvent struct {
	Identity types.User          `json:"identity"`
	Group    *types.GroupSummary `json:"group,omitempty"`
	Rooms    []types.Room        `json:"rooms"`
}

type UserStatus struct {
	UserId   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

type MessagesRead struct {
	RoomKey    string   `json:"roomKey"`
	UserId     string   `json:"userId"`
	MessageIds []string `json:"messageIds"`
}

type MessageDeleted struct {
	MessageId         string `json:"messageId"`
	RoomKey           string `json:"roomKey"`
	DeleteForEveryone bool   `json:"deleteForEveryone"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

// SignalEvent is what the target of a signaling event receives. Payload is
// forwarded as the same JSON value the sender supplied. Insignificant
// whitespace is compacted; strings are not escaped.
type SignalEvent struct {
	From    string          `json:"from"`
	RoomKey string          `json:"roomKey"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Event: EventAck,
		Ack: &Ack{
			Success: true,
			Data:    data,
		},
	}
}

// ErrAck builds a negative acknowledgement for err.
func ErrAck(id int, err error) *ServerMessage {
	ge := asGatewayError(err)
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Event: EventAck,
		Ack: &Ack{
			Success: false,
			Message: ge.Message,
			Code:    ge.Code,
		},
	}
}

func newEvent(event string, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Event: event,
		Data:  data,
	}
}

func roomsEvent(res rooms.Resolution) *ServerMessage {
	return newEvent(EventRooms, RoomsEvent{
		Identity: res.Identity,
		Group:    res.Group,
		Rooms:    res.Rooms,
	})
}

func userStatusEvent(userId string, online bool) *ServerMessage {
	return newEvent(EventUserStatus, UserStatus{UserId: userId, IsOnline: online})
}

func errorEvent(msg string) *ServerMessage {
	return newEvent(EventError, ErrorEvent{Message: msg})
}

// serializeMessage encodes msg without HTML escaping so relayed payloads
// keep characters like <, > and &.
func serializeMessage(msg *ServerMessage) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
