package server

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/capstone-chat/internal/database"
	"github.com/rs/zerolog"
)

const (
	idleRoomTimeout = time.Second * 5
	storeTimeout    = time.Second * 10
)

// Room serializes the writes for one conversation. Every persisted change is
// broadcast from the room goroutine right after it commits, so all members
// observe room events in commit order.
type Room struct {
	key           string
	cs            *ChatServer
	clientMsgChan chan *ClientMessage
	clients       map[*Client]struct{}
	userMap       map[string]map[*Client]struct{}
	clientLock    sync.RWMutex
	log           zerolog.Logger
	// killTimer is used to automatically unload the room when it is no longer active
	killTimer *time.Timer
	// exit is closed to stop the room
	exit chan struct{}
	done chan struct{}
}

func newRoom(key string, cs *ChatServer) *Room {
	r := &Room{
		key:           key,
		cs:            cs,
		clientMsgChan: make(chan *ClientMessage, 256),
		clients:       make(map[*Client]struct{}),
		userMap:       make(map[string]map[*Client]struct{}),
		log:           cs.log.With().Str("room", key).Logger(),
		killTimer:     time.NewTimer(idleRoomTimeout),
		exit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	r.killTimer.Stop()
	return r
}

func (r *Room) start() {
	defer close(r.done)
	r.log.Debug().Msg("starting room")

	for {
		select {
		case msg := <-r.clientMsgChan:
			switch {
			case msg.Send != nil:
				r.handleSend(msg)
			case msg.MarkRead != nil:
				r.handleMarkRead(msg)
			case msg.Delete != nil:
				r.handleDelete(msg)
			}
		case <-r.killTimer.C:
			if r.cs.unloadRoom(r) {
				r.log.Debug().Msg("room idle, unloaded")
				return
			}
		case <-r.exit:
			r.log.Debug().Msg("room exiting")
			return
		}
	}
}

// enqueue hands msg to the room goroutine without blocking the reader.
func (r *Room) enqueue(msg *ClientMessage) bool {
	select {
	case r.clientMsgChan <- msg:
		return true
	default:
		r.log.Warn().Msg("clientMsgChan full")
		return false
	}
}

func (r *Room) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

func (r *Room) handleSend(msg *ClientMessage) {
	c := msg.client
	req := msg.Send

	ctx, cancel := r.storeContext()
	defer cancel()

	saved, err := r.cs.db.CreateMessage(ctx, database.Message{
		RoomKey:      r.key,
		ChatType:     string(msg.room.Type),
		GroupId:      msg.room.GroupId,
		Participants: msg.room.ParticipantIds(),
		SenderId:     c.user.Id,
		Text:         req.Text,
		MessageType:  string(req.MessageType),
		Attachments:  req.Attachments,
		ContactData:  req.ContactData,
		IsEncrypted:  req.IsEncrypted,
		CreatedAt:    msg.Timestamp,
	})
	if err != nil {
		r.log.Error().Err(err).Str("user", c.user.Id).Msg("CreateMessage")
		c.queueMessage(ErrAck(msg.Id, ErrInternal))
		return
	}

	r.cs.stats.Incr(metricMessagesSent)
	c.queueMessage(NoErrOK(msg.Id, map[string]any{"messageId": saved.Id}))

	r.broadcast(newEvent(EventNewMessage, FormatMessage(saved, c.user, nil)))
}

func (r *Room) handleMarkRead(msg *ClientMessage) {
	c := msg.client
	req := msg.MarkRead

	ctx, cancel := r.storeContext()
	defer cancel()

	ids := dedupe(req.MessageIds)
	if len(ids) > 0 {
		found, err := r.cs.db.MessagesInRoom(ctx, r.key, ids)
		if err != nil {
			r.log.Error().Err(err).Str("room", r.key).Msg("MessagesInRoom")
			c.queueMessage(ErrAck(msg.Id, ErrInternal))
			return
		}
		// every id must name a message of this room or nothing is written
		if len(found) != len(ids) {
			c.queueMessage(ErrAck(msg.Id, ErrMessageNotFound))
			return
		}
	}

	var marked []string
	for _, id := range ids {
		exists, err := r.cs.db.ReceiptExists(ctx, id, c.user.Id)
		if err != nil {
			r.log.Error().Err(err).Str("message", id).Msg("ReceiptExists")
			c.queueMessage(ErrAck(msg.Id, ErrInternal))
			return
		}
		if exists {
			continue
		}

		if err := r.cs.db.CreateReceipt(ctx, database.ReadReceipt{
			MessageId: id,
			RoomKey:   r.key,
			UserId:    c.user.Id,
			ReadAt:    msg.Timestamp,
		}); err != nil {
			r.log.Error().Err(err).Str("message", id).Msg("CreateReceipt")
			c.queueMessage(ErrAck(msg.Id, ErrInternal))
			return
		}
		marked = append(marked, id)
	}

	c.queueMessage(NoErrOK(msg.Id, map[string]any{"marked": len(marked)}))

	if len(marked) == 0 {
		return
	}

	r.broadcast(newEvent(EventMessagesRead, MessagesRead{
		RoomKey:    r.key,
		UserId:     c.user.Id,
		MessageIds: marked,
	}))
}

func (r *Room) handleDelete(msg *ClientMessage) {
	c := msg.client
	target := msg.target

	ctx, cancel := r.storeContext()
	defer cancel()

	evt := MessageDeleted{
		MessageId:         target.Id,
		RoomKey:           r.key,
		DeleteForEveryone: msg.Delete.DeleteForEveryone,
	}

	if msg.Delete.DeleteForEveryone {
		if err := r.cs.db.HardDeleteMessage(ctx, target.Id); err != nil {
			r.log.Error().Err(err).Str("message", target.Id).Msg("HardDeleteMessage")
			c.queueMessage(ErrAck(msg.Id, storeError(err)))
			return
		}

		c.queueMessage(NoErrOK(msg.Id, nil))
		r.broadcast(newEvent(EventMessageDeleted, evt))
		return
	}

	if err := r.cs.db.AddDeletedBy(ctx, target.Id, c.user.Id); err != nil {
		r.log.Error().Err(err).Str("message", target.Id).Msg("AddDeletedBy")
		c.queueMessage(ErrAck(msg.Id, storeError(err)))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, nil))

	// a soft delete only changes the caller's own view
	r.cs.sendToUser(c.user.Id, newEvent(EventMessageDeleted, evt))
}

func storeError(err error) error {
	if errors.Is(err, database.ErrNotFound) {
		return ErrMessageNotFound
	}
	return ErrInternal
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	// stop the kill timer since we have a new client
	r.killTimer.Stop()

	r.clients[c] = struct{}{}
	if r.userMap[c.user.Id] == nil {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	if userClients, ok := r.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.Id)
		}
	}

	// if the client is the last one in the room, start the kill timer
	if len(r.clients) == 0 {
		r.log.Debug().Msg("no clients, starting kill timer")
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) clientCount() int {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	return len(r.clients)
}

func (r *Room) broadcast(msg *ServerMessage) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	r.log.Debug().Str("event", msg.Event).Int("clients", len(r.clients)).Msg("broadcast")
	for client := range r.clients {
		if client == msg.SkipClient {
			continue
		}

		client.queueMessage(msg)
	}
}
