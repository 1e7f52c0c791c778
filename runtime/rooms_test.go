package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"crewlink/errors"
	"crewlink/mocks"
)

func allowAllAuthorizer(ctrl *gomock.Controller) *mocks.MockAuthorizer {
	authz := mocks.NewMockAuthorizer(ctrl)
	authz.EXPECT().CanAccessChannel(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(true, nil).AnyTimes()
	return authz
}

func TestRooms_JoinAndLeave(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	rooms := NewRooms(logs.GetLoggerFromLevel(slog.LevelDebug), allowAllAuthorizer(ctrl), 0)

	conn := testConn("s-1", "u-1", "org-1")

	// When a user joins a fresh channel
	res, err := rooms.Join(ctx, conn, "general")
	req.NoError(err)
	req.True(res.NewMember)
	req.Equal(1, res.MemberCount)
	req.True(rooms.IsMember("general", "u-1"))
	req.Equal([]string{"general"}, rooms.ChannelsOf("s-1"))
	req.Equal([]string{"general"}, rooms.UserChannels("u-1"))

	// Joining again is a harmless no-op
	res, err = rooms.Join(ctx, conn, "general")
	req.NoError(err)
	req.False(res.NewMember)
	req.Equal(1, res.MemberCount)

	// When the user leaves
	left := rooms.Leave(conn, "general")
	req.True(left.WasMember)
	req.True(left.UserLeft)
	req.Equal(0, left.MemberCount)
	req.False(rooms.IsMember("general", "u-1"))
	req.Equal(0, rooms.Channels())
}

func TestRooms_MembershipSurvivesPartialLeave(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	rooms := NewRooms(logs.GetLoggerFromLevel(slog.LevelDebug), allowAllAuthorizer(ctrl), 0)

	// Given one user subscribed through two sockets
	conn1 := testConn("s-1", "u-1", "org-1")
	conn2 := testConn("s-2", "u-1", "org-1")
	res, err := rooms.Join(ctx, conn1, "general")
	req.NoError(err)
	req.True(res.NewMember)
	res, err = rooms.Join(ctx, conn2, "general")
	req.NoError(err)
	req.False(res.NewMember)
	req.Len(rooms.SocketsIn("general"), 2)

	// When only one socket leaves
	left := rooms.Leave(conn1, "general")

	// Then the membership stays with the other socket
	req.True(left.WasMember)
	req.False(left.UserLeft)
	req.Equal(1, left.MemberCount)
	req.True(rooms.IsMember("general", "u-1"))
	req.Len(rooms.SocketsIn("general"), 1)
}

func TestRooms_LeaveWithoutMembership(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	rooms := NewRooms(logs.GetLoggerFromLevel(slog.LevelDebug), allowAllAuthorizer(ctrl), 0)

	left := rooms.Leave(testConn("s-1", "u-1", "org-1"), "ghost-channel")
	req.False(left.WasMember)
	req.False(left.UserLeft)
}

func TestRooms_JoinDeniedByAuthorizer(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()

	authz := mocks.NewMockAuthorizer(ctrl)
	authz.EXPECT().CanAccessChannel(gomock.Any(), "u-1", "secret").Return(false, nil).Times(1)
	rooms := NewRooms(logs.GetLoggerFromLevel(slog.LevelDebug), authz, 0)

	_, err := rooms.Join(ctx, testConn("s-1", "u-1", "org-1"), "secret")
	req.ErrorIs(err, errors.ErrAuthorization)
	req.False(rooms.IsMember("secret", "u-1"))
	req.Empty(rooms.ChannelsOf("s-1"))
}

func TestRooms_AuthorizerOutageIsTransient(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()

	authz := mocks.NewMockAuthorizer(ctrl)
	authz.EXPECT().CanAccessChannel(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(false, fmt.Errorf("policy engine down")).Times(1)
	rooms := NewRooms(logs.GetLoggerFromLevel(slog.LevelDebug), authz, 0)

	_, err := rooms.Join(ctx, testConn("s-1", "u-1", "org-1"), "general")
	req.ErrorIs(err, errors.ErrTransient)
}

func TestRooms_MemberLimit(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	rooms := NewRooms(logs.GetLoggerFromLevel(slog.LevelDebug), allowAllAuthorizer(ctrl), 1)

	_, err := rooms.Join(ctx, testConn("s-1", "u-1", "org-1"), "general")
	req.NoError(err)

	// A second distinct user is over the limit
	_, err = rooms.Join(ctx, testConn("s-2", "u-2", "org-1"), "general")
	req.ErrorIs(err, errors.ErrRoomFull)

	// An existing member's extra socket is not a new member and fits
	_, err = rooms.Join(ctx, testConn("s-3", "u-1", "org-1"), "general")
	req.NoError(err)
	req.Equal(1, rooms.MemberCount("general"))
}

func TestRooms_DropSocketWhileStillOnline(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	rooms := NewRooms(logs.GetLoggerFromLevel(slog.LevelDebug), allowAllAuthorizer(ctrl), 0)

	conn1 := testConn("s-1", "u-1", "org-1")
	conn2 := testConn("s-2", "u-1", "org-1")
	_, err := rooms.Join(ctx, conn1, "general")
	req.NoError(err)
	_, err = rooms.Join(ctx, conn2, "general")
	req.NoError(err)

	// When one socket dies but the user stays online elsewhere
	departures := rooms.DropSocket(conn1, true)

	// Then no membership ends
	req.Empty(departures)
	req.True(rooms.IsMember("general", "u-1"))
	req.Empty(rooms.ChannelsOf("s-1"))
	req.Equal([]string{"general"}, rooms.UserChannels("u-1"))
}

func TestRooms_DropLastSocketEndsMemberships(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	rooms := NewRooms(logs.GetLoggerFromLevel(slog.LevelDebug), allowAllAuthorizer(ctrl), 0)

	conn := testConn("s-1", "u-1", "org-1")
	other := testConn("s-2", "u-2", "org-1")
	_, err := rooms.Join(ctx, conn, "general")
	req.NoError(err)
	_, err = rooms.Join(ctx, conn, "ops")
	req.NoError(err)
	_, err = rooms.Join(ctx, other, "general")
	req.NoError(err)

	departures := rooms.DropSocket(conn, false)

	// Every membership ended, each reporting the remaining count
	req.Len(departures, 2)
	counts := map[string]int{}
	for _, dep := range departures {
		counts[dep.Channel] = dep.MemberCount
	}
	req.Equal(1, counts["general"])
	req.Equal(0, counts["ops"])
	req.False(rooms.IsMember("general", "u-1"))
	req.True(rooms.IsMember("general", "u-2"))
	req.Equal(1, rooms.Channels())
	req.Empty(rooms.UserChannels("u-1"))
}

func TestRooms_MembersListsDistinctUsers(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	rooms := NewRooms(logs.GetLoggerFromLevel(slog.LevelDebug), allowAllAuthorizer(ctrl), 0)

	_, err := rooms.Join(ctx, testConn("s-1", "u-1", "org-1"), "general")
	req.NoError(err)
	_, err = rooms.Join(ctx, testConn("s-2", "u-1", "org-1"), "general")
	req.NoError(err)
	_, err = rooms.Join(ctx, testConn("s-3", "u-2", "org-1"), "general")
	req.NoError(err)

	req.ElementsMatch([]string{"u-1", "u-2"}, rooms.Members("general"))
	req.Len(rooms.SocketsIn("general"), 3)
	req.Equal(2, rooms.MemberCount("general"))
}
