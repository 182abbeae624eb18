// Package rooms derives the set of conversation scopes a user may join from
// their group and supervision relationships.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/npezzotti/capstone-chat/internal/database"
	"github.com/npezzotti/capstone-chat/internal/types"
)

const (
	PublicRoomKey = "public"

	directPrefix          = "direct-"
	teamPrefix            = "group-team-"
	withSupervisorPrefix  = "group-supervisor-"
	publicRoomDisplayName = "Public"
)

var ErrNotFound = errors.New("user not found")

// Resolution is the outcome of resolving a user's rooms.
type Resolution struct {
	Identity types.User          `json:"identity"`
	Group    *types.GroupSummary `json:"group,omitempty"`
	Rooms    []types.Room        `json:"rooms"`
}

// Room looks up a resolved room by key.
func (r Resolution) Room(key string) (types.Room, bool) {
	for _, room := range r.Rooms {
		if room.Id == key {
			return room, true
		}
	}
	return types.Room{}, false
}

// DirectKey returns the key of the 1:1 room between a and b. The result does
// not depend on argument order.
func DirectKey(a, b string) string {
	ids := []string{a, b}
	slices.Sort(ids)
	return directPrefix + strings.Join(ids, "-")
}

func TeamKey(groupId string) string {
	return teamPrefix + groupId
}

func WithSupervisorKey(groupId string) string {
	return withSupervisorPrefix + groupId
}

// Resolve computes the rooms for user given their own group (nil when
// unassigned) and the groups they supervise. It has no side effects.
func Resolve(user database.User, group *database.Group, supervised []database.Group) Resolution {
	res := Resolution{Identity: toUser(user)}
	seen := make(map[string]struct{})
	add := func(room types.Room) {
		if _, ok := seen[room.Id]; ok {
			return
		}
		seen[room.Id] = struct{}{}
		res.Rooms = append(res.Rooms, room)
	}

	if group != nil {
		members := sortedMembers(group.Members)
		res.Group = &types.GroupSummary{
			Id:          group.Id,
			Name:        group.Name,
			MemberCount: len(members),
		}
		if group.Supervisor != nil {
			res.Group.SupervisorId = group.Supervisor.Id
		}

		if group.Supervisor != nil && group.Supervisor.Id != user.Id {
			add(directRoom(user, *group.Supervisor, types.ScopeSupervisor, group.Id))
		}

		// a supervisor whose own group is one they supervise talks to its
		// members as their supervisor
		scope := types.ScopePeer
		if group.Supervisor != nil && group.Supervisor.Id == user.Id {
			scope = types.ScopeSupervisor
		}
		for _, m := range members {
			if m.Id == user.Id {
				continue
			}
			add(directRoom(user, m, scope, group.Id))
		}

		if len(members) > 0 {
			add(groupRoom(TeamKey(group.Id), types.ScopeTeam, group.Name, group.Id, members))
		}

		if group.Supervisor != nil {
			add(withSupervisorRoom(*group, members))
		}
	}

	for _, g := range supervised {
		if g.Supervisor == nil || g.Supervisor.Id != user.Id {
			continue
		}
		members := sortedMembers(g.Members)
		for _, m := range members {
			if m.Id == user.Id {
				continue
			}
			add(directRoom(user, m, types.ScopeSupervisor, g.Id))
		}
		add(withSupervisorRoom(g, members))
	}

	add(types.Room{
		Id:           PublicRoomKey,
		Type:         types.ChatTypePublic,
		Scope:        types.ScopePublic,
		Name:         publicRoomDisplayName,
		Participants: []types.Participant{},
	})

	return res
}

func directRoom(self, other database.User, scope types.Scope, groupId string) types.Room {
	participants := []types.Participant{{User: toUser(self)}, {User: toUser(other)}}
	slices.SortFunc(participants, func(a, b types.Participant) int {
		return strings.Compare(a.Id, b.Id)
	})

	return types.Room{
		Id:           DirectKey(self.Id, other.Id),
		Type:         types.ChatTypeIndividual,
		Scope:        scope,
		Name:         other.Username,
		GroupId:      groupId,
		Participants: participants,
	}
}

func groupRoom(key string, scope types.Scope, name, groupId string, users []database.User) types.Room {
	participants := make([]types.Participant, 0, len(users))
	for _, u := range users {
		participants = append(participants, types.Participant{User: toUser(u)})
	}

	return types.Room{
		Id:           key,
		Type:         types.ChatTypeGroup,
		Scope:        scope,
		Name:         name,
		GroupId:      groupId,
		Participants: participants,
	}
}

func withSupervisorRoom(g database.Group, members []database.User) types.Room {
	users := slices.Clone(members)
	if !slices.ContainsFunc(users, func(u database.User) bool { return u.Id == g.Supervisor.Id }) {
		users = append(users, *g.Supervisor)
	}
	return groupRoom(WithSupervisorKey(g.Id), types.ScopeWithSupervisor, g.Name+" (with supervisor)", g.Id, users)
}

func sortedMembers(members []database.User) []database.User {
	out := slices.Clone(members)
	slices.SortFunc(out, func(a, b database.User) int {
		return strings.Compare(a.Id, b.Id)
	})
	return out
}

func toUser(u database.User) types.User {
	return types.User{
		Id:       u.Id,
		Username: u.Username,
		Email:    u.Email,
		Role:     types.Role(u.Role),
	}
}

// Resolver loads the relationship graph for a user and resolves their rooms.
type Resolver struct {
	db database.ChatRepository
}

func NewResolver(db database.ChatRepository) *Resolver {
	return &Resolver{db: db}
}

func (r *Resolver) ResolveRooms(ctx context.Context, userId string) (Resolution, error) {
	user, err := r.db.GetUser(ctx, userId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return Resolution{}, fmt.Errorf("%w: %s", ErrNotFound, userId)
		}
		return Resolution{}, fmt.Errorf("get user: %w", err)
	}

	var group *database.Group
	if user.GroupId != "" {
		group, err = r.db.GetGroupWithMembers(ctx, user.GroupId)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return Resolution{}, fmt.Errorf("get group: %w", err)
		}
	}

	var supervised []database.Group
	if types.Role(user.Role) == types.RoleSupervisor {
		supervised, err = r.db.ListSupervisedGroups(ctx, user.Id)
		if err != nil {
			return Resolution{}, fmt.Errorf("list supervised groups: %w", err)
		}
	}

	return Resolve(user, group, supervised), nil
}
