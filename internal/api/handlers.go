package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/capstone-chat/internal/database"
	"github.com/npezzotti/capstone-chat/internal/rooms"
	"github.com/npezzotti/capstone-chat/internal/server"
	"github.com/npezzotti/capstone-chat/internal/types"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 200
	connectTimeout      = 10 * time.Second
)

type RoomsResponse struct {
	Identity types.User          `json:"identity"`
	Group    *types.GroupSummary `json:"group,omitempty"`
	Rooms    []types.Room        `json:"rooms"`
}

type MessagesResponse struct {
	RoomKey  string          `json:"roomKey"`
	Messages []types.Message `json:"messages"`
	HasMore  bool            `json:"hasMore"`
}

type UnreadResponse struct {
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
}

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *GoChatApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Error().Err(errResp).Msg("request failed")
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *GoChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// resolve runs the same room resolution the gateway uses on connect.
func (s *GoChatApp) resolve(ctx context.Context) (rooms.Resolution, *ApiError) {
	claims, ok := ClaimsFrom(ctx)
	if !ok {
		return rooms.Resolution{}, NewUnauthorizedError()
	}

	res, err := s.cs.Resolver().ResolveRooms(ctx, claims.UserId)
	if err != nil {
		if errors.Is(err, rooms.ErrNotFound) {
			return rooms.Resolution{}, NewNotFoundError()
		}
		return rooms.Resolution{}, NewInternalServerError(err)
	}

	return res, nil
}

func roomKeys(res rooms.Resolution) []string {
	keys := make([]string, len(res.Rooms))
	for i, room := range res.Rooms {
		keys[i] = room.Id
	}
	return keys
}

func (s *GoChatApp) listRooms(w http.ResponseWriter, r *http.Request) {
	res, errResp := s.resolve(r.Context())
	if errResp != nil {
		s.writeError(w, errResp)
		return
	}

	counts, err := s.db.UnreadCounts(r.Context(), res.Identity.Id, roomKeys(res))
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	out := make([]types.Room, len(res.Rooms))
	for i, room := range res.Rooms {
		participants := make([]types.Participant, len(room.Participants))
		for j, p := range room.Participants {
			p.IsOnline = s.cs.IsOnline(p.Id)
			participants[j] = p
		}
		room.Participants = participants

		n := counts[room.Id]
		room.UnreadCount = &n
		out[i] = room
	}

	s.writeJson(w, http.StatusOK, RoomsResponse{
		Identity: res.Identity,
		Group:    res.Group,
		Rooms:    out,
	})
}

func parseLimit(v string) (int, *ApiError) {
	if v == "" {
		return defaultMessageLimit, nil
	}

	limit, err := strconv.Atoi(v)
	if err != nil || limit < 1 {
		return 0, NewValidationError("limit must be a positive integer")
	}

	return min(limit, maxMessageLimit), nil
}

func parseBefore(v string) (time.Time, *ApiError) {
	if v == "" {
		return time.Time{}, nil
	}

	before, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, NewValidationError("before must be an RFC 3339 timestamp")
	}

	return before, nil
}

func (s *GoChatApp) listMessages(w http.ResponseWriter, r *http.Request) {
	roomKey := r.PathValue("roomKey")
	if roomKey == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	limit, errResp := parseLimit(r.URL.Query().Get("limit"))
	if errResp != nil {
		s.writeError(w, errResp)
		return
	}

	before, errResp := parseBefore(r.URL.Query().Get("before"))
	if errResp != nil {
		s.writeError(w, errResp)
		return
	}

	res, errResp := s.resolve(r.Context())
	if errResp != nil {
		s.writeError(w, errResp)
		return
	}

	room, ok := res.Room(roomKey)
	if !ok {
		s.writeError(w, NewForbiddenError())
		return
	}

	msgs, err := s.db.ListMessages(r.Context(), database.ListMessagesParams{
		RoomKey: roomKey,
		UserId:  res.Identity.Id,
		Before:  before,
		Limit:   limit,
	})
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.Id
	}

	readBy := make(map[string][]string, len(msgs))
	if len(ids) > 0 {
		receipts, err := s.db.ListReceipts(r.Context(), ids)
		if err != nil {
			s.writeError(w, NewInternalServerError(err))
			return
		}
		for _, rc := range receipts {
			readBy[rc.MessageId] = append(readBy[rc.MessageId], rc.UserId)
		}
	}

	senders := s.senderLookup(r.Context(), res, room)
	out := make([]types.Message, len(msgs))
	for i, m := range msgs {
		out[i] = server.FormatMessage(m, senders(m.SenderId), readBy[m.Id])
	}

	s.writeJson(w, http.StatusOK, MessagesResponse{
		RoomKey:  roomKey,
		Messages: out,
		HasMore:  len(msgs) == limit,
	})
}

// senderLookup resolves sender display data from the room membership and
// falls back to storage for senders outside it, such as in the public room.
func (s *GoChatApp) senderLookup(ctx context.Context, res rooms.Resolution, room types.Room) func(string) types.User {
	known := map[string]types.User{res.Identity.Id: res.Identity}
	for _, p := range room.Participants {
		known[p.Id] = p.User
	}

	return func(id string) types.User {
		if u, ok := known[id]; ok {
			return u
		}

		u := types.User{Id: id}
		if dbUser, err := s.db.GetUser(ctx, id); err == nil {
			u.Username = dbUser.Username
			u.Role = types.Role(dbUser.Role)
		} else if !errors.Is(err, database.ErrNotFound) {
			s.log.Warn().Err(err).Str("user", id).Msg("sender lookup")
		}
		known[id] = u
		return u
	}
}

func (s *GoChatApp) unreadCounts(w http.ResponseWriter, r *http.Request) {
	res, errResp := s.resolve(r.Context())
	if errResp != nil {
		s.writeError(w, errResp)
		return
	}

	counts, err := s.db.UnreadCounts(r.Context(), res.Identity.Id, roomKeys(res))
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	s.writeJson(w, http.StatusOK, UnreadResponse{Counts: counts, Total: total})
}

func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFrom(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("error upgrading connection")
		return
	}

	client := server.NewClient(types.User{Id: claims.UserId, Role: claims.Role}, conn, s.cs, s.log)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := s.cs.Connect(ctx, client); err != nil {
		s.log.Error().Err(err).Str("user", claims.UserId).Msg("connect")
		client.Reject("failed to load rooms")
		return
	}

	go client.Write()
	go client.Read()
}
