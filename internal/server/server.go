package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/npezzotti/capstone-chat/internal/database"
	"github.com/npezzotti/capstone-chat/internal/presence"
	"github.com/npezzotti/capstone-chat/internal/rooms"
	"github.com/npezzotti/capstone-chat/internal/stats"
	"github.com/npezzotti/capstone-chat/internal/types"
	"github.com/rs/zerolog"
)

const (
	metricActiveClients  = "active_clients"
	metricActiveRooms    = "active_rooms"
	metricMessagesSent   = "messages_sent"
	metricSignalsRelayed = "signals_relayed"
)

type ChatServer struct {
	log       zerolog.Logger
	db        database.ChatRepository
	resolver  *rooms.Resolver
	presence  *presence.Registry[*Client]
	stats     stats.StatsProvider
	rooms     map[string]*Room
	roomsLock sync.Mutex
	stopped   bool
}

func NewChatServer(logger zerolog.Logger, db database.ChatRepository, registry *presence.Registry[*Client], su stats.StatsProvider) (*ChatServer, error) {
	if registry == nil {
		return nil, fmt.Errorf("presence registry is required")
	}

	su.RegisterMetric(metricActiveClients)
	su.RegisterMetric(metricActiveRooms)
	su.RegisterMetric(metricMessagesSent)
	su.RegisterMetric(metricSignalsRelayed)

	return &ChatServer{
		log:      logger,
		db:       db,
		resolver: rooms.NewResolver(db),
		presence: registry,
		stats:    su,
		rooms:    make(map[string]*Room),
	}, nil
}

// Resolver exposes the room resolver so the HTTP layer authorizes history
// reads against the same rules as the socket.
func (cs *ChatServer) Resolver() *rooms.Resolver {
	return cs.resolver
}

// IsOnline reports whether userId holds a live connection.
func (cs *ChatServer) IsOnline(userId string) bool {
	return cs.presence.IsOnline(userId)
}

// Connect registers an authenticated client, subscribes it to every room it
// may use and pushes the room list. The client is deregistered again if room
// resolution fails.
func (cs *ChatServer) Connect(ctx context.Context, c *Client) error {
	if cs.isStopped() {
		return ErrServiceUnavailable
	}

	first := cs.presence.Register(c.user.Id, c)
	cs.stats.Incr(metricActiveClients)

	res, err := cs.resolver.ResolveRooms(ctx, c.user.Id)
	if err != nil {
		cs.presence.Deregister(c.user.Id, c)
		cs.stats.Decr(metricActiveClients)
		return fmt.Errorf("resolve rooms: %w", err)
	}

	c.user = res.Identity
	c.applyResolution(res)
	c.queueMessage(roomsEvent(cs.annotate(res)))

	cs.log.Info().
		Str("user", c.user.Id).
		Str("conn", c.id).
		Int("rooms", len(res.Rooms)).
		Msg("client connected")

	if first {
		cs.broadcastAll(userStatusEvent(c.user.Id, true))
	}

	return nil
}

// disconnect removes every trace of c. It is called exactly once per client.
func (cs *ChatServer) disconnect(c *Client) {
	c.leaveAllRooms()

	last := cs.presence.Deregister(c.user.Id, c)
	cs.stats.Decr(metricActiveClients)

	cs.log.Info().Str("user", c.user.Id).Str("conn", c.id).Msg("client disconnected")

	if last {
		cs.broadcastAll(userStatusEvent(c.user.Id, false))
	}
}

// annotate marks which participants of each room are online.
func (cs *ChatServer) annotate(res rooms.Resolution) rooms.Resolution {
	online := cs.presence.OnlineSet()

	out := res
	out.Rooms = make([]types.Room, len(res.Rooms))
	for i, room := range res.Rooms {
		participants := make([]types.Participant, len(room.Participants))
		for j, p := range room.Participants {
			p.IsOnline = online[p.Id]
			participants[j] = p
		}
		room.Participants = participants
		out.Rooms[i] = room
	}
	return out
}

// subscribe adds c to the room for key, loading the room if needed. It
// returns nil once the server has stopped.
func (cs *ChatServer) subscribe(c *Client, key string) *Room {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	if cs.stopped {
		return nil
	}

	r, ok := cs.rooms[key]
	if !ok {
		r = newRoom(key, cs)
		cs.rooms[key] = r
		cs.stats.Incr(metricActiveRooms)
		go r.start()
	}

	r.addClient(c)
	return r
}

func (cs *ChatServer) isStopped() bool {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()
	return cs.stopped
}

// unloadRoom removes r if it is still empty. It reports whether the room
// should stop.
func (cs *ChatServer) unloadRoom(r *Room) bool {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	if r.clientCount() > 0 {
		return false
	}

	if cur, ok := cs.rooms[r.key]; ok && cur == r {
		delete(cs.rooms, r.key)
		cs.stats.Decr(metricActiveRooms)
	}

	return true
}

func (cs *ChatServer) getRoom(key string) (*Room, bool) {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	r, ok := cs.rooms[key]
	return r, ok
}

// broadcastAll queues msg on every live connection.
func (cs *ChatServer) broadcastAll(msg *ServerMessage) {
	for _, c := range cs.presence.All() {
		if c == msg.SkipClient {
			continue
		}
		c.queueMessage(msg)
	}
}

// sendToUser queues msg on every connection of userId.
func (cs *ChatServer) sendToUser(userId string, msg *ServerMessage) int {
	conns := cs.presence.Connections(userId)
	for _, c := range conns {
		c.queueMessage(msg)
	}
	return len(conns)
}

// Shutdown closes every connection and stops all rooms. It returns the
// context error if rooms do not exit in time.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info().Msg("shutting down chat server")

	for _, c := range cs.presence.Drain() {
		c.stopClient()
	}

	cs.roomsLock.Lock()
	cs.stopped = true
	loaded := make([]*Room, 0, len(cs.rooms))
	for key, r := range cs.rooms {
		loaded = append(loaded, r)
		delete(cs.rooms, key)
		cs.stats.Decr(metricActiveRooms)
	}
	cs.roomsLock.Unlock()

	for _, r := range loaded {
		close(r.exit)
	}

	for _, r := range loaded {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}
