package server

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/npezzotti/capstone-chat/internal/database"
	"github.com/npezzotti/capstone-chat/internal/rooms"
	"github.com/npezzotti/capstone-chat/internal/stats"
	"github.com/npezzotti/capstone-chat/internal/testutil"
	"github.com/npezzotti/capstone-chat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// subscribeIdle gives c a subscription backed by a room that is not running,
// so queued work stays in clientMsgChan for inspection.
func subscribeIdle(t *testing.T, c *Client, u database.User, key string) *Room {
	r := newRoom(key, c.chatServer)
	r.addClient(c)
	c.subs[key] = &subscription{info: roomInfo(t, u, key), hub: r}
	return r
}

func Test_queueMessage(t *testing.T) {
	t.Run("successful queue", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			stop: make(chan struct{}),
			log:  testutil.TestLogger(t),
		}

		res := c.queueMessage(&ServerMessage{})
		assert.True(t, res, "expected queueMessage to return true when channel is not full")
		assert.Len(t, c.send, 1)
		select {
		case <-c.stop:
			t.Error("expected client to keep running")
		default:
		}
	})
	t.Run("channel full", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			stop: make(chan struct{}),
			log:  testutil.TestLogger(t),
		}

		c.send <- &ServerMessage{}
		res := c.queueMessage(&ServerMessage{})
		assert.False(t, res, "expected queueMessage to return false when channel is full")

		select {
		case <-c.stop:
		default:
			t.Error("expected a client with a full buffer to be stopped")
		}

		// a second overflow must not panic on the closed stop channel
		assert.False(t, c.queueMessage(&ServerMessage{}))
	})
}

func Test_stopClient(t *testing.T) {
	c := &Client{
		stop: make(chan struct{}),
	}

	c.stopClient()
	c.stopClient()

	select {
	case <-c.stop:
	default:
		t.Error("expected stop channel to be closed")
	}
}

func Test_newConnectionId(t *testing.T) {
	a := newConnectionId()
	b := newConnectionId()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestClient_handleRaw(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})

	tests := []struct {
		name  string
		raw   string
		event string
		id    int
		code  ErrorCode
	}{
		{name: "not json", raw: `{"id":`, event: EventError},
		{name: "unknown event", raw: `{"id":3,"event":"chat:typing","data":{}}`, event: EventAck, id: 3, code: CodeInvalidRequest},
		{name: "missing data", raw: `{"id":4,"event":"chat:send"}`, event: EventAck, id: 4, code: CodeInvalidRequest},
		{name: "bad payload", raw: `{"id":5,"event":"chat:mark-read","data":{"messageIds":"m1"}}`, event: EventAck, id: 5, code: CodeInvalidRequest},
		{name: "unsubscribed room", raw: `{"id":6,"event":"chat:send","data":{"roomKey":"direct-X-Y","text":"hi"}}`, event: EventAck, id: 6, code: CodeForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(cs, dbUserA)
			c.handleRaw([]byte(tt.raw))

			msg := waitFor(t, c, tt.event)
			assert.Equal(t, tt.id, msg.Id)
			if tt.event == EventAck {
				assert.False(t, msg.Ack.Success)
				assert.Equal(t, tt.code, msg.Ack.Code)
				assert.NotEmpty(t, msg.Ack.Message)
			}
		})
	}
}

func TestClient_handleRaw_rateLimited(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
	c := newTestClient(cs, dbUserA)
	c.limiter = rate.NewLimiter(0, 1)

	raw := []byte(`{"id":1,"event":"chat:send","data":{"roomKey":"direct-X-Y","text":"hi"}}`)
	c.handleRaw(raw)
	ack := waitFor(t, c, EventAck)
	assert.Equal(t, CodeForbidden, ack.Ack.Code)

	c.handleRaw(raw)
	ack = waitFor(t, c, EventAck)
	assert.False(t, ack.Ack.Success)
	assert.Equal(t, CodeRateLimited, ack.Ack.Code)
}

func TestClient_dispatchSend(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})

	tests := []struct {
		name    string
		req     SendRequest
		message string
		code    ErrorCode
	}{
		{name: "missing room key", req: SendRequest{Text: types.SealedText("hi")}, code: CodeInvalidRequest, message: ErrRoomKeyRequired.Message},
		{name: "room not allowed", req: SendRequest{RoomKey: "group-team-H", Text: types.SealedText("hi")}, code: CodeForbidden, message: "Room not allowed"},
		{name: "empty message", req: SendRequest{RoomKey: "direct-A-B"}, code: CodeInvalidRequest, message: ErrEmptyMessage.Message},
		{name: "invalid type", req: SendRequest{RoomKey: "direct-A-B", Text: types.SealedText("hi"), MessageType: "sticker"}, code: CodeInvalidRequest, message: ErrInvalidMessageType.Message},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(cs, dbUserA)
			hub := subscribeIdle(t, c, dbUserA, "direct-A-B")

			req := tt.req
			c.dispatch(&ClientMessage{BaseMessage: BaseMessage{Id: 1}, Send: &req, client: c})

			ack := waitFor(t, c, EventAck)
			assert.False(t, ack.Ack.Success)
			assert.Equal(t, tt.code, ack.Ack.Code)
			assert.Equal(t, tt.message, ack.Ack.Message)
			assert.Empty(t, hub.clientMsgChan, "expected rejected send not to reach the room")
		})
	}

	t.Run("valid send is queued with the room snapshot", func(t *testing.T) {
		c := newTestClient(cs, dbUserA)
		hub := subscribeIdle(t, c, dbUserA, "direct-A-B")

		c.dispatch(&ClientMessage{
			BaseMessage: BaseMessage{Id: 2},
			Send:        &SendRequest{RoomKey: "direct-A-B", Text: types.SealedText("hi")},
			client:      c,
		})

		require.Len(t, hub.clientMsgChan, 1)
		queued := <-hub.clientMsgChan
		assert.Equal(t, "direct-A-B", queued.room.Id)
		assert.Equal(t, []string{"A", "B"}, queued.room.ParticipantIds())
		assert.Equal(t, types.MessageTypeText, queued.Send.MessageType)
		assert.Empty(t, drain(c), "expected the ack to come from the room")
	})

	t.Run("room queue full", func(t *testing.T) {
		c := newTestClient(cs, dbUserA)
		hub := subscribeIdle(t, c, dbUserA, "direct-A-B")
		hub.clientMsgChan = make(chan *ClientMessage)

		c.dispatch(&ClientMessage{
			BaseMessage: BaseMessage{Id: 3},
			Send:        &SendRequest{RoomKey: "direct-A-B", Text: types.SealedText("hi")},
			client:      c,
		})

		ack := waitFor(t, c, EventAck)
		assert.Equal(t, CodeUnavailable, ack.Ack.Code)
	})
}

func TestClient_dispatchMarkRead(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})

	tests := []struct {
		name string
		req  MarkReadRequest
		code ErrorCode
	}{
		{name: "missing room key", req: MarkReadRequest{MessageIds: []string{"m1"}}, code: CodeInvalidRequest},
		{name: "no ids", req: MarkReadRequest{RoomKey: "group-team-G"}, code: CodeInvalidRequest},
		{name: "room not allowed", req: MarkReadRequest{RoomKey: "direct-A-C", MessageIds: []string{"m1"}}, code: CodeForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(cs, dbUserB)
			subscribeIdle(t, c, dbUserB, "group-team-G")

			req := tt.req
			c.dispatch(&ClientMessage{MarkRead: &req, client: c})
			assert.Equal(t, tt.code, waitFor(t, c, EventAck).Ack.Code)
		})
	}
}

func TestClient_deleteMessage(t *testing.T) {
	tests := []struct {
		name     string
		req      DeleteRequest
		setup    func(db *database.MockChatRepository)
		code     ErrorCode
		enqueued bool
	}{
		{
			name: "missing id",
			req:  DeleteRequest{},
			code: CodeInvalidRequest,
		},
		{
			name: "not found",
			req:  DeleteRequest{MessageId: "m404"},
			setup: func(db *database.MockChatRepository) {
				db.On("GetMessage", mock.Anything, "m404").Return(database.Message{}, database.ErrNotFound).Once()
			},
			code: CodeNotFound,
		},
		{
			name: "storage failure",
			req:  DeleteRequest{MessageId: "m1"},
			setup: func(db *database.MockChatRepository) {
				db.On("GetMessage", mock.Anything, "m1").Return(database.Message{}, errors.New("db down")).Once()
			},
			code: CodeInternal,
		},
		{
			name: "message in another room",
			req:  DeleteRequest{MessageId: "m2"},
			setup: func(db *database.MockChatRepository) {
				db.On("GetMessage", mock.Anything, "m2").Return(database.Message{Id: "m2", RoomKey: "direct-B-S", SenderId: "B"}, nil).Once()
			},
			code: CodeNotFound,
		},
		{
			name: "for everyone by non sender",
			req:  DeleteRequest{MessageId: "m3", DeleteForEveryone: true},
			setup: func(db *database.MockChatRepository) {
				db.On("GetMessage", mock.Anything, "m3").Return(database.Message{Id: "m3", RoomKey: "direct-A-B", SenderId: "B"}, nil).Once()
			},
			code: CodeForbidden,
		},
		{
			name: "for me by non sender",
			req:  DeleteRequest{MessageId: "m3"},
			setup: func(db *database.MockChatRepository) {
				db.On("GetMessage", mock.Anything, "m3").Return(database.Message{Id: "m3", RoomKey: "direct-A-B", SenderId: "B"}, nil).Once()
			},
			enqueued: true,
		},
		{
			name: "for everyone by sender",
			req:  DeleteRequest{MessageId: "m4", DeleteForEveryone: true},
			setup: func(db *database.MockChatRepository) {
				db.On("GetMessage", mock.Anything, "m4").Return(database.Message{Id: "m4", RoomKey: "direct-A-B", SenderId: "A"}, nil).Once()
			},
			enqueued: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &database.MockChatRepository{}
			defer db.AssertExpectations(t)
			if tt.setup != nil {
				tt.setup(db)
			}

			cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
			c := newTestClient(cs, dbUserA)
			hub := subscribeIdle(t, c, dbUserA, "direct-A-B")

			req := tt.req
			c.dispatch(&ClientMessage{Delete: &req, client: c})

			if tt.enqueued {
				require.Len(t, hub.clientMsgChan, 1)
				queued := <-hub.clientMsgChan
				require.NotNil(t, queued.target)
				assert.Equal(t, req.MessageId, queued.target.Id)
				return
			}

			assert.Equal(t, tt.code, waitFor(t, c, EventAck).Ack.Code)
			assert.Empty(t, hub.clientMsgChan)
		})
	}
}

func TestClient_relaySignal(t *testing.T) {
	offer := json.RawMessage(`{"type":"offer","sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1"}`)

	setup := func(t *testing.T) (*ChatServer, map[string]*Client) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
		clients := map[string]*Client{}
		for _, u := range []database.User{dbUserA, dbUserB, dbUserC} {
			c := newTestClient(cs, u)
			connectTestClient(cs, c, u)
			clients[u.Id] = c
		}
		for _, c := range clients {
			drain(c)
		}
		return cs, clients
	}

	t.Run("forwards to every connection of the target", func(t *testing.T) {
		cs, clients := setup(t)
		b2 := newTestClient(cs, dbUserB)
		cs.presence.Register("B", b2)

		err := clients["A"].relaySignal(EventRtcOffer, &SignalRequest{To: "B", RoomKey: "direct-A-B", Payload: offer})
		require.NoError(t, err)

		for _, c := range []*Client{clients["B"], b2} {
			msg := waitFor(t, c, EventRtcOffer)
			evt := msg.Data.(SignalEvent)
			assert.Equal(t, "A", evt.From)
			assert.Equal(t, "direct-A-B", evt.RoomKey)
			assert.Equal(t, string(offer), string(evt.Payload), "expected payload to be forwarded verbatim")
		}
		assert.Empty(t, drain(clients["C"]))
	})

	t.Run("legacy payload fields", func(t *testing.T) {
		_, clients := setup(t)
		candidate := json.RawMessage(`{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host"}`)

		err := clients["B"].relaySignal(EventRtcCandidate, &SignalRequest{To: "A", RoomKey: "group-team-G", Candidate: candidate})
		require.NoError(t, err)

		msg := waitFor(t, clients["A"], EventRtcCandidate)
		assert.Equal(t, string(candidate), string(msg.Data.(SignalEvent).Payload))
	})

	t.Run("public room reaches any online user", func(t *testing.T) {
		_, clients := setup(t)

		err := clients["C"].relaySignal(EventRtcRing, &SignalRequest{To: "A", RoomKey: rooms.PublicRoomKey})
		require.NoError(t, err)
		waitFor(t, clients["A"], EventRtcRing)
	})

	tests := []struct {
		name    string
		from    string
		req     SignalRequest
		message string
	}{
		{name: "room not allowed", from: "A", req: SignalRequest{To: "B", RoomKey: "direct-B-C"}, message: "Room not allowed"},
		{name: "target not in room", from: "A", req: SignalRequest{To: "C", RoomKey: "group-team-G", Payload: offer}, message: "Target not in room"},
		{name: "target offline", from: "A", req: SignalRequest{To: "S", RoomKey: "direct-A-S"}, message: "Target user is not online"},
		{name: "missing target", from: "A", req: SignalRequest{RoomKey: "direct-A-B"}, message: ErrTargetRequired.Message},
		{name: "missing room", from: "A", req: SignalRequest{To: "B"}, message: ErrRoomKeyRequired.Message},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, clients := setup(t)

			req := tt.req
			clients[tt.from].dispatch(&ClientMessage{
				BaseMessage: BaseMessage{Id: 9},
				Event:       EventRtcOffer,
				Signal:      &req,
				client:      clients[tt.from],
			})

			ack := waitFor(t, clients[tt.from], EventAck)
			assert.False(t, ack.Ack.Success)
			assert.Equal(t, tt.message, ack.Ack.Message)
			for id, c := range clients {
				if id != tt.from {
					assert.Empty(t, drain(c), "expected nothing forwarded to %s", id)
				}
			}
		})
	}
}

func TestClient_applyResolution(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
	a := newTestClient(cs, dbUserA)

	full := resolutionFor(dbUserA)
	a.applyResolution(full)
	assert.ElementsMatch(t, []string{"direct-A-S", "direct-A-B", "group-team-G", "group-supervisor-G", "public"}, a.roomKeys())

	team, ok := cs.getRoom("group-team-G")
	require.True(t, ok)
	assert.Equal(t, 1, team.clientCount())

	// A leaves the group
	noGroup := rooms.Resolve(database.User{Id: "A", Username: "alice"}, nil, nil)
	a.applyResolution(noGroup)
	assert.Equal(t, []string{"public"}, a.roomKeys())
	assert.Equal(t, 0, team.clientCount(), "expected client to leave revoked rooms")
	assert.Nil(t, a.getSubscription("group-team-G"))
	assert.NotNil(t, a.getSubscription("public"))
}

func TestClient_refresh(t *testing.T) {
	t.Run("reconciles rooms", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetUser", mock.Anything, "C").Return(database.User{Id: "C", Username: "carol", GroupId: "G"}, nil).Once()
		g := testGroup()
		g.Members = append(g.Members, database.User{Id: "C", Username: "carol", GroupId: "G"})
		db.On("GetGroupWithMembers", mock.Anything, "G").Return(g, nil).Once()

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		c := newTestClient(cs, dbUserC)
		connectTestClient(cs, c, dbUserC)
		assert.Nil(t, c.getSubscription("group-team-G"))

		c.dispatch(&ClientMessage{BaseMessage: BaseMessage{Id: 11}, Refresh: &RefreshRequest{}, client: c})

		evt := waitFor(t, c, EventRooms).Data.(RoomsEvent)
		assert.Len(t, evt.Rooms, 6)
		assert.True(t, waitFor(t, c, EventAck).Ack.Success)

		sub := c.getSubscription("group-team-G")
		require.NotNil(t, sub)
		assert.Equal(t, []string{"A", "B", "C"}, sub.info.ParticipantIds())
	})

	t.Run("resolution failure", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetUser", mock.Anything, "C").Return(database.User{}, errors.New("db down")).Once()

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		c := newTestClient(cs, dbUserC)
		connectTestClient(cs, c, dbUserC)

		c.dispatch(&ClientMessage{BaseMessage: BaseMessage{Id: 12}, Refresh: &RefreshRequest{}, client: c})

		waitFor(t, c, EventError)
		assert.Equal(t, CodeInternal, waitFor(t, c, EventAck).Ack.Code)
		assert.NotNil(t, c.getSubscription("public"), "expected existing subscriptions to survive a failed refresh")
	})
}
