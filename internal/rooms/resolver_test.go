package rooms

import (
	"context"
	"errors"
	"testing"

	"github.com/npezzotti/capstone-chat/internal/database"
	"github.com/npezzotti/capstone-chat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	userA = database.User{Id: "A", Username: "alice", Role: "student", GroupId: "G"}
	userB = database.User{Id: "B", Username: "bob", Role: "student", GroupId: "G"}
	userC = database.User{Id: "C", Username: "carol", Role: "student"}
	userS = database.User{Id: "S", Username: "sam", Role: "supervisor"}
)

func testGroup() *database.Group {
	s := userS
	return &database.Group{
		Id:         "G",
		Name:       "Team G",
		LeaderId:   userA.Id,
		Supervisor: &s,
		Members:    []database.User{userB, userA},
	}
}

func roomKeys(res Resolution) []string {
	keys := make([]string, len(res.Rooms))
	for i, r := range res.Rooms {
		keys[i] = r.Id
	}
	return keys
}

func TestDirectKey(t *testing.T) {
	assert.Equal(t, "direct-A-B", DirectKey("A", "B"))
	assert.Equal(t, DirectKey("A", "B"), DirectKey("B", "A"), "expected key to be independent of argument order")
	assert.Equal(t, "direct-64a1-64b2", DirectKey("64b2", "64a1"))
}

func TestResolve_LeaderWithSupervisor(t *testing.T) {
	res := Resolve(userA, testGroup(), nil)

	require.Len(t, res.Rooms, 5, "expected 4 group derived rooms plus the public room")
	assert.Equal(t, []string{
		"direct-A-S",
		"direct-A-B",
		"group-team-G",
		"group-supervisor-G",
		PublicRoomKey,
	}, roomKeys(res))

	scopes := map[string]types.Scope{}
	for _, r := range res.Rooms {
		scopes[r.Id] = r.Scope
	}
	assert.Equal(t, types.ScopeSupervisor, scopes["direct-A-S"])
	assert.Equal(t, types.ScopePeer, scopes["direct-A-B"])
	assert.Equal(t, types.ScopeTeam, scopes["group-team-G"])
	assert.Equal(t, types.ScopeWithSupervisor, scopes["group-supervisor-G"])
	assert.Equal(t, types.ScopePublic, scopes[PublicRoomKey])

	team, ok := res.Room("group-team-G")
	require.True(t, ok)
	assert.Equal(t, []string{"A", "B"}, team.ParticipantIds())
	assert.Equal(t, types.ChatTypeGroup, team.Type)

	withSup, ok := res.Room("group-supervisor-G")
	require.True(t, ok)
	assert.Equal(t, []string{"A", "B", "S"}, withSup.ParticipantIds())

	public, ok := res.Room(PublicRoomKey)
	require.True(t, ok)
	assert.Empty(t, public.Participants, "expected public room to have no fixed participants")

	require.NotNil(t, res.Group)
	assert.Equal(t, "G", res.Group.Id)
	assert.Equal(t, 2, res.Group.MemberCount)
	assert.Equal(t, "S", res.Group.SupervisorId)
	assert.Equal(t, "A", res.Identity.Id)
}

func TestResolve_Deterministic(t *testing.T) {
	first := Resolve(userA, testGroup(), nil)
	second := Resolve(userA, testGroup(), nil)
	assert.Equal(t, first, second, "expected identical resolutions for unchanged membership")

	shuffled := testGroup()
	shuffled.Members = []database.User{userA, userB}
	assert.Equal(t, first, Resolve(userA, shuffled, nil), "expected member order not to matter")
}

func TestResolve_BothParticipantsDeriveSameDirectKey(t *testing.T) {
	fromA := Resolve(userA, testGroup(), nil)
	fromB := Resolve(userB, testGroup(), nil)

	roomA, okA := fromA.Room(DirectKey("A", "B"))
	roomB, okB := fromB.Room(DirectKey("B", "A"))
	require.True(t, okA)
	require.True(t, okB)
	assert.Equal(t, roomA.Id, roomB.Id)
	assert.Equal(t, roomA.ParticipantIds(), roomB.ParticipantIds())
	assert.Equal(t, "bob", roomA.Name)
	assert.Equal(t, "alice", roomB.Name)
}

func TestResolve_NoGroup(t *testing.T) {
	res := Resolve(userC, nil, nil)
	assert.Equal(t, []string{PublicRoomKey}, roomKeys(res))
	assert.Nil(t, res.Group)
}

func TestResolve_GroupWithoutSupervisor(t *testing.T) {
	g := testGroup()
	g.Supervisor = nil

	res := Resolve(userA, g, nil)
	assert.Equal(t, []string{"direct-A-B", "group-team-G", PublicRoomKey}, roomKeys(res))
}

func TestResolve_SupervisorSide(t *testing.T) {
	res := Resolve(userS, nil, []database.Group{*testGroup()})

	assert.Equal(t, []string{"direct-A-S", "direct-B-S", "group-supervisor-G", PublicRoomKey}, roomKeys(res))
	for _, r := range res.Rooms[:2] {
		assert.Equal(t, types.ScopeSupervisor, r.Scope, "expected supervisor scope on %s", r.Id)
	}

	student := Resolve(userA, testGroup(), nil)
	fromStudent, _ := student.Room("direct-A-S")
	fromSupervisor, _ := res.Room("direct-A-S")
	assert.Equal(t, fromStudent.Scope, fromSupervisor.Scope)
	assert.Equal(t, fromStudent.ParticipantIds(), fromSupervisor.ParticipantIds())
}

func TestResolve_SupervisorInOwnSupervisedGroup(t *testing.T) {
	s := userS
	s.GroupId = "G"

	res := Resolve(s, testGroup(), []database.Group{*testGroup()})

	for _, key := range []string{"direct-A-S", "direct-B-S"} {
		room, ok := res.Room(key)
		require.True(t, ok, "expected %s to be resolved", key)
		assert.Equal(t, types.ScopeSupervisor, room.Scope, "expected supervisor scope on %s", key)
	}

	student := Resolve(userA, testGroup(), nil)
	fromStudent, _ := student.Room("direct-A-S")
	fromSupervisor, _ := res.Room("direct-A-S")
	assert.Equal(t, fromStudent.Scope, fromSupervisor.Scope, "expected both sides to agree on scope")
}

func TestResolver_ResolveRooms(t *testing.T) {
	ctx := context.Background()

	t.Run("user with group", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetUser", ctx, "A").Return(userA, nil).Once()
		db.On("GetGroupWithMembers", ctx, "G").Return(testGroup(), nil).Once()

		res, err := NewResolver(db).ResolveRooms(ctx, "A")
		require.NoError(t, err)
		assert.Len(t, res.Rooms, 5)
	})

	t.Run("user not found", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetUser", ctx, "nobody").Return(database.User{}, database.ErrNotFound).Once()

		_, err := NewResolver(db).ResolveRooms(ctx, "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("user without group", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetUser", ctx, "C").Return(userC, nil).Once()

		res, err := NewResolver(db).ResolveRooms(ctx, "C")
		require.NoError(t, err)
		assert.Equal(t, []string{PublicRoomKey}, roomKeys(res))
	})

	t.Run("supervisor loads supervised groups", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetUser", ctx, "S").Return(userS, nil).Once()
		db.On("ListSupervisedGroups", ctx, "S").Return([]database.Group{*testGroup()}, nil).Once()

		res, err := NewResolver(db).ResolveRooms(ctx, "S")
		require.NoError(t, err)
		assert.Len(t, res.Rooms, 4)
	})

	t.Run("storage failure", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetUser", ctx, "A").Return(userA, nil).Once()
		db.On("GetGroupWithMembers", ctx, "G").Return(nil, errors.New("db down")).Once()

		_, err := NewResolver(db).ResolveRooms(ctx, "A")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
	})

	t.Run("idempotent", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetUser", ctx, "B").Return(userB, nil)
		db.On("GetGroupWithMembers", ctx, "G").Return(testGroup(), nil)

		r := NewResolver(db)
		first, err := r.ResolveRooms(ctx, "B")
		require.NoError(t, err)
		second, err := r.ResolveRooms(ctx, "B")
		require.NoError(t, err)
		assert.Equal(t, first, second)
		db.AssertNumberOfCalls(t, "GetUser", 2)
		db.AssertExpectations(t)
	})
}
