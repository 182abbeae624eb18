package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/capstone-chat/internal/database"
	"github.com/npezzotti/capstone-chat/internal/rooms"
	"github.com/npezzotti/capstone-chat/internal/types"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	requestTimeout = 10 * time.Second

	// inbound frames per second a connection may sustain, and its burst
	inboundRate  = rate.Limit(20)
	inboundBurst = 40
)

// subscription is a client's membership in one room.
type subscription struct {
	info types.Room
	hub  *Room
}

type Client struct {
	id          string
	conn        *websocket.Conn
	chatServer  *ChatServer
	log         zerolog.Logger
	user        types.User
	send        chan *ServerMessage
	limiter     *rate.Limiter
	subs        map[string]*subscription
	subsLock    sync.RWMutex
	stop        chan struct{}
	stopOnce    sync.Once
	cleanupOnce sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l zerolog.Logger) *Client {
	id := newConnectionId()
	return &Client{
		id:         id,
		conn:       conn,
		chatServer: cs,
		log:        l.With().Str("conn", id).Str("user", user.Id).Logger(),
		user:       user,
		send:       make(chan *ServerMessage, 256),
		limiter:    rate.NewLimiter(inboundRate, inboundBurst),
		subs:       make(map[string]*subscription),
		stop:       make(chan struct{}),
	}
}

func newConnectionId() string {
	id, err := shortid.Generate()
	if err != nil {
		return uuid.NewString()
	}
	return id
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error().Err(err).Msg("failed to serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws: read")
			}
			break
		}

		c.handleRaw(raw)
	}
}

func (c *Client) handleRaw(raw []byte) {
	msg, err := parseClientMessage(raw)
	if msg == nil {
		c.log.Debug().Err(err).Msg("error parsing message")
		c.queueMessage(errorEvent(ErrInvalidMessage.Message))
		return
	}
	if err != nil {
		c.queueMessage(ErrAck(msg.Id, err))
		return
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.queueMessage(ErrAck(msg.Id, ErrRateLimited))
		return
	}

	msg.client = c
	msg.Timestamp = Now()

	c.log.Debug().Str("event", msg.Event).Int("id", msg.Id).Msg("received message")
	c.dispatch(msg)
}

func (c *Client) dispatch(msg *ClientMessage) {
	switch {
	case msg.Send != nil:
		if msg.Send.RoomKey == "" {
			c.queueMessage(ErrAck(msg.Id, ErrRoomKeyRequired))
			return
		}
		sub := c.getSubscription(msg.Send.RoomKey)
		if sub == nil {
			c.queueMessage(ErrAck(msg.Id, ErrRoomNotAllowed))
			return
		}
		if err := msg.Send.validate(); err != nil {
			c.queueMessage(ErrAck(msg.Id, err))
			return
		}
		c.enqueue(sub, msg)
	case msg.MarkRead != nil:
		if err := msg.MarkRead.validate(); err != nil {
			c.queueMessage(ErrAck(msg.Id, err))
			return
		}
		sub := c.getSubscription(msg.MarkRead.RoomKey)
		if sub == nil {
			c.queueMessage(ErrAck(msg.Id, ErrRoomNotAllowed))
			return
		}
		c.enqueue(sub, msg)
	case msg.Delete != nil:
		c.deleteMessage(msg)
	case msg.Refresh != nil:
		if err := c.refresh(); err != nil {
			c.queueMessage(ErrAck(msg.Id, err))
			return
		}
		c.queueMessage(NoErrOK(msg.Id, nil))
	case msg.Signal != nil:
		if err := c.relaySignal(msg.Event, msg.Signal); err != nil {
			c.queueMessage(ErrAck(msg.Id, err))
			return
		}
		c.queueMessage(NoErrOK(msg.Id, nil))
	}
}

func (c *Client) enqueue(sub *subscription, msg *ClientMessage) {
	msg.room = sub.info
	if !sub.hub.enqueue(msg) {
		c.queueMessage(ErrAck(msg.Id, ErrServiceUnavailable))
	}
}

// deleteMessage resolves the target message and hands the delete to its
// room. A message in a room the caller cannot see is reported as missing.
func (c *Client) deleteMessage(msg *ClientMessage) {
	if msg.Delete.MessageId == "" {
		c.queueMessage(ErrAck(msg.Id, ErrMessageIdRequired))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	target, err := c.chatServer.db.GetMessage(ctx, msg.Delete.MessageId)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			c.log.Error().Err(err).Str("message", msg.Delete.MessageId).Msg("GetMessage")
		}
		c.queueMessage(ErrAck(msg.Id, storeError(err)))
		return
	}

	sub := c.getSubscription(target.RoomKey)
	if sub == nil {
		c.queueMessage(ErrAck(msg.Id, ErrMessageNotFound))
		return
	}

	if msg.Delete.DeleteForEveryone && target.SenderId != c.user.Id {
		c.queueMessage(ErrAck(msg.Id, ErrNotSender))
		return
	}

	msg.target = &target
	c.enqueue(sub, msg)
}

// refresh re-resolves the client's rooms and reconciles its subscriptions.
func (c *Client) refresh() error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	res, err := c.chatServer.resolver.ResolveRooms(ctx, c.user.Id)
	if err != nil {
		c.log.Error().Err(err).Msg("ResolveRooms")
		c.queueMessage(errorEvent("failed to load rooms"))
		if errors.Is(err, rooms.ErrNotFound) {
			return &GatewayError{Code: CodeNotFound, Message: "user not found"}
		}
		return ErrInternal
	}

	c.applyResolution(res)
	c.queueMessage(roomsEvent(c.chatServer.annotate(res)))
	return nil
}

// applyResolution subscribes to new rooms, leaves rooms no longer granted
// and updates the membership snapshot of the rest.
func (c *Client) applyResolution(res rooms.Resolution) {
	c.subsLock.Lock()
	defer c.subsLock.Unlock()

	granted := make(map[string]types.Room, len(res.Rooms))
	for _, room := range res.Rooms {
		granted[room.Id] = room
	}

	for key, sub := range c.subs {
		if _, ok := granted[key]; !ok {
			sub.hub.removeClient(c)
			delete(c.subs, key)
			c.log.Debug().Str("room", key).Msg("left room")
		}
	}

	for key, room := range granted {
		if sub, ok := c.subs[key]; ok {
			sub.info = room
			continue
		}
		hub := c.chatServer.subscribe(c, key)
		if hub == nil {
			// shutting down
			continue
		}
		c.subs[key] = &subscription{info: room, hub: hub}
	}
}

func (c *Client) getSubscription(key string) *subscription {
	c.subsLock.RLock()
	defer c.subsLock.RUnlock()

	sub, ok := c.subs[key]
	if !ok {
		return nil
	}
	cp := *sub
	return &cp
}

func (c *Client) roomKeys() []string {
	c.subsLock.RLock()
	defer c.subsLock.RUnlock()

	keys := make([]string, 0, len(c.subs))
	for key := range c.subs {
		keys = append(keys, key)
	}
	return keys
}

func (c *Client) leaveAllRooms() {
	c.subsLock.Lock()
	defer c.subsLock.Unlock()

	for key, sub := range c.subs {
		sub.hub.removeClient(c)
		delete(c.subs, key)
	}
}

// queueMessage hands msg to the write pump. A client whose buffer is full
// is too slow to keep up and is disconnected so it can reconnect and
// refetch history.
func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Str("user", c.user.Id).Msg("send buffer full, disconnecting client")
		c.stopClient()
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

// Reject writes an error event and closes the connection. It is used when
// Connect fails, before the pumps are started.
func (c *Client) Reject(reason string) {
	if bytes, err := serializeMessage(errorEvent(reason)); err == nil {
		c.sendMessage(websocket.TextMessage, bytes)
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
	c.conn.Close()
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.cleanupOnce.Do(func() {
		c.chatServer.disconnect(c)
		c.stopClient()
	})
}
