package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"crewlink/auth"
	"crewlink/domain"
	"crewlink/domain/event"
	"crewlink/errors"
	"crewlink/mocks"
)

func TestHandlers_PingAnswersWithServerTime(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	f := newFixture(t, ctrl, Deps{})

	conn, sink := f.connect(ctx, "s-1", "u-1", "org-1")
	f.deliverQueued(ctx)

	f.orch.Dispatch(ctx, conn, sink, newFrame(t, event.Ping, "r-42", nil))

	pongs := sink.byType(event.Pong)
	req.Len(pongs, 1)
	req.Equal("r-42", pongs[0].RequestID)
	pong, ok := event.DecodePayload[event.PongPayload](pongs[0])
	req.True(ok)
	req.False(pong.ServerTime.IsZero())
}

func TestHandlers_JoinRepliesThenAnnounces(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	f := newFixture(t, ctrl, Deps{})

	conn1, sink1 := f.connect(ctx, "s-1", "u-1", "org-1")
	f.deliverQueued(ctx)

	// First joiner: the reply counts them in, the roster is still empty
	// because the membership event has not fanned out yet.
	f.orch.Dispatch(ctx, conn1, sink1, newFrame(t, event.JoinChannel, "r-1", event.JoinChannelRequest{Channel: "general"}))

	replies := sink1.byType(event.ChannelJoined)
	req.Len(replies, 1)
	req.Equal("r-1", replies[0].RequestID)
	joined, ok := event.DecodePayload[event.ChannelJoinedPayload](replies[0])
	req.True(ok)
	req.Equal("general", joined.Channel)
	req.Equal(1, joined.MemberCount)
	req.Empty(joined.Members)

	f.deliverQueued(ctx)
	req.Len(sink1.byType(event.UserJoinedChannel), 1)

	// Second joiner sees the first in the reply roster
	conn2, sink2 := f.connect(ctx, "s-2", "u-2", "org-1")
	f.deliverQueued(ctx)
	f.orch.Dispatch(ctx, conn2, sink2, newFrame(t, event.JoinChannel, "r-2", event.JoinChannelRequest{Channel: "general"}))

	joined2, ok := event.DecodePayload[event.ChannelJoinedPayload](sink2.byType(event.ChannelJoined)[0])
	req.True(ok)
	req.Equal(2, joined2.MemberCount)
	req.Len(joined2.Members, 1)
	req.Equal("u-1", joined2.Members[0].UserID)

	// And the first joiner learns about the second
	f.deliverQueued(ctx)
	announces := sink1.byType(event.UserJoinedChannel)
	req.Len(announces, 2)
	member, ok := event.DecodePayload[event.MembershipPayload](announces[1])
	req.True(ok)
	req.Equal("u-2", member.UserID)
	req.Equal(2, member.MemberCount)
}

func TestHandlers_JoinRejectsEmptyChannel(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	f := newFixture(t, ctrl, Deps{})

	conn, sink := f.connect(ctx, "s-1", "u-1", "org-1")
	f.deliverQueued(ctx)

	f.orch.Dispatch(ctx, conn, sink, newFrame(t, event.JoinChannel, "r-1", event.JoinChannelRequest{}))

	we := wireErrorOf(t, sink)
	req.Equal(errors.CodeInvalidPayload, we.Code)
	req.Contains(we.Message, "channel")
	req.Empty(f.rooms.ChannelsOf(conn.SocketID))
}

func TestHandlers_LeaveAnnouncesDeparture(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	f := newFixture(t, ctrl, Deps{})

	conn1, sink1 := f.connect(ctx, "s-1", "u-1", "org-1")
	conn2, sink2 := f.connect(ctx, "s-2", "u-2", "org-1")
	f.orch.Dispatch(ctx, conn1, sink1, newFrame(t, event.JoinChannel, "", event.JoinChannelRequest{Channel: "general"}))
	f.orch.Dispatch(ctx, conn2, sink2, newFrame(t, event.JoinChannel, "", event.JoinChannelRequest{Channel: "general"}))
	f.deliverQueued(ctx)

	f.orch.Dispatch(ctx, conn1, sink1, newFrame(t, event.LeaveChannel, "r-9", event.LeaveChannelRequest{Channel: "general"}))

	left, ok := event.DecodePayload[event.ChannelLeftPayload](sink1.byType(event.ChannelLeft)[0])
	req.True(ok)
	req.Equal("general", left.Channel)
	req.Equal(1, left.MemberCount)

	// The remaining member hears about it; the leaver is out of the room
	f.deliverQueued(ctx)
	departures := sink2.byType(event.UserLeftChannel)
	req.Len(departures, 1)
	gone, ok := event.DecodePayload[event.MembershipPayload](departures[0])
	req.True(ok)
	req.Equal("u-1", gone.UserID)
	req.Equal(1, gone.MemberCount)
	req.Empty(sink1.byType(event.UserLeftChannel))
}

func TestHandlers_ChatBroadcastsCensoredAndStores(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()

	store := mocks.NewMockMessageStore(ctrl)
	var stored domain.ChatRecord
	done := make(chan struct{})
	store.EXPECT().StoreMessage(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, rec domain.ChatRecord) error {
			stored = rec
			close(done)
			return nil
		}).Times(1)

	f := newFixture(t, ctrl, Deps{Store: store})
	conn1, sink1 := f.connect(ctx, "s-1", "u-1", "org-1")
	conn2, sink2 := f.connect(ctx, "s-2", "u-2", "org-1")
	f.orch.Dispatch(ctx, conn1, sink1, newFrame(t, event.JoinChannel, "", event.JoinChannelRequest{Channel: "general"}))
	f.orch.Dispatch(ctx, conn2, sink2, newFrame(t, event.JoinChannel, "", event.JoinChannelRequest{Channel: "general"}))
	f.deliverQueued(ctx)

	f.orch.Dispatch(ctx, conn1, sink1, newFrame(t, event.ChatMessage, "", event.ChatSendRequest{
		Channel: "general",
		Content: "keep the redacted part quiet",
	}))
	f.deliverQueued(ctx)

	// Both members receive the masked content, the sender included
	for _, sink := range []*captureSink{sink1, sink2} {
		msgs := sink.byType(event.ChatMessage)
		req.Len(msgs, 1)
		chat, ok := event.DecodePayload[event.ChatPayload](msgs[0])
		req.True(ok)
		req.Equal("keep the ******** part quiet", chat.Content)
		req.True(chat.Censored)
		req.Equal("u-1", chat.UserID)
		req.NotEmpty(chat.MessageID)
		req.False(chat.SentAt.IsZero())
	}

	// Persistence happens off the hot path
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		req.Fail("message was never stored")
	}
	req.Equal("general", stored.Channel)
	req.Equal("u-1", stored.UserID)
	req.Equal("org-1", stored.OrgID)
	req.Equal("keep the ******** part quiet", stored.Content)
}

func TestHandlers_ChatRequiresMembership(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	f := newFixture(t, ctrl, Deps{})

	conn, sink := f.connect(ctx, "s-1", "u-1", "org-1")
	f.deliverQueued(ctx)

	f.orch.Dispatch(ctx, conn, sink, newFrame(t, event.ChatMessage, "", event.ChatSendRequest{
		Channel: "general",
		Content: "hello",
	}))

	we := wireErrorOf(t, sink)
	req.Equal(errors.CodeForbidden, we.Code)
	req.Zero(f.deliverQueued(ctx))
}

func TestHandlers_ChatKeepsClientMessageID(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	f := newFixture(t, ctrl, Deps{})

	conn, sink := f.connect(ctx, "s-1", "u-1", "org-1")
	f.orch.Dispatch(ctx, conn, sink, newFrame(t, event.JoinChannel, "", event.JoinChannelRequest{Channel: "general"}))
	f.deliverQueued(ctx)

	clientID := uuid.NewString()
	f.orch.Dispatch(ctx, conn, sink, newFrame(t, event.ChatMessage, "", event.ChatSendRequest{
		Channel:   "general",
		Content:   "resend with my id",
		MessageID: clientID,
	}))
	f.deliverQueued(ctx)

	chat, ok := event.DecodePayload[event.ChatPayload](sink.byType(event.ChatMessage)[0])
	req.True(ok)
	req.Equal(clientID, chat.MessageID)
}

func TestHandlers_TaskUpdateNotifiesOfflineAssignee(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()

	notifier := mocks.NewMockNotificationDispatcher(ctrl)
	delivered := make(chan domain.Notification, 1)
	notifier.EXPECT().Dispatch(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, n domain.Notification) error {
			delivered <- n
			return nil
		}).Times(1)

	f := newFixture(t, ctrl, Deps{Notifier: notifier})
	conn, sink := f.connect(ctx, "s-1", "u-1", "org-1")
	f.orch.Dispatch(ctx, conn, sink, newFrame(t, event.JoinChannel, "", event.JoinChannelRequest{Channel: "general"}))
	f.deliverQueued(ctx)

	// u-9 has no socket anywhere
	f.orch.Dispatch(ctx, conn, sink, newFrame(t, event.TaskUpdate, "", event.TaskUpdateRequest{
		Channel: "general",
		TaskID:  "task-7",
		Action:  "assigned",
		Changes: map[string]any{"assignee": "u-9"},
	}))
	f.deliverQueued(ctx)

	tasks := sink.byType(event.TaskUpdate)
	req.Len(tasks, 1)
	task, ok := event.DecodePayload[event.TaskPayload](tasks[0])
	req.True(ok)
	req.Equal("task-7", task.TaskID)
	req.Equal("u-1", task.UpdatedBy)

	select {
	case n := <-delivered:
		req.Equal("u-9", n.UserID)
		req.Equal("task_assigned", n.Kind)
		req.Equal("task-7", n.Ref)
	case <-time.After(2 * time.Second):
		req.Fail("assignee was never notified")
	}
}

func TestHandlers_StatusUpdateReachesTheOrg(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	f := newFixture(t, ctrl, Deps{})

	conn1, sink1 := f.connect(ctx, "s-1", "u-1", "org-1")
	_, sink2 := f.connect(ctx, "s-2", "u-2", "org-1")
	f.deliverQueued(ctx)

	f.orch.Dispatch(ctx, conn1, sink1, newFrame(t, event.StatusUpdate, "", event.StatusRequest{Status: "away"}))
	f.deliverQueued(ctx)

	statuses := sink2.byType(event.UserStatusUpdate)
	var aways []event.StatusPayload
	for _, e := range statuses {
		p, ok := event.DecodePayload[event.StatusPayload](e)
		req.True(ok)
		if p.Status == domain.StatusAway {
			aways = append(aways, p)
		}
	}
	req.Len(aways, 1)
	req.Equal("u-1", aways[0].UserID)
}

func TestHandlers_StatusUpdateRejectsOffline(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	f := newFixture(t, ctrl, Deps{})

	conn, sink := f.connect(ctx, "s-1", "u-1", "org-1")
	f.deliverQueued(ctx)

	// Offline is derived from sockets, never declared
	f.orch.Dispatch(ctx, conn, sink, newFrame(t, event.StatusUpdate, "", event.StatusRequest{Status: "offline"}))

	we := wireErrorOf(t, sink)
	req.Equal(errors.CodeInvalidPayload, we.Code)
	req.Contains(we.Message, "status")
}

func TestHandlers_RosterTopsUpLocalConnectionCounts(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	f := newFixture(t, ctrl, Deps{})

	// u-1 runs two sockets, only the first joins the channel
	conn1, sink1 := f.connect(ctx, "s-1", "u-1", "org-1")
	f.connect(ctx, "s-2", "u-1", "org-1")
	f.orch.Dispatch(ctx, conn1, sink1, newFrame(t, event.JoinChannel, "", event.JoinChannelRequest{Channel: "general"}))
	f.deliverQueued(ctx)

	f.orch.Dispatch(ctx, conn1, sink1, newFrame(t, event.ChannelRoster, "r-5", event.RosterRequest{Channel: "general"}))

	rosters := sink1.byType(event.ChannelRoster)
	req.Len(rosters, 1)
	req.Equal("r-5", rosters[0].RequestID)
	roster, ok := event.DecodePayload[event.RosterPayload](rosters[0])
	req.True(ok)
	req.Len(roster.Members, 1)
	req.Equal("u-1", roster.Members[0].UserID)
	req.Equal(2, roster.Members[0].Connections)
}

func TestHandlers_RosterRequiresMembership(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	f := newFixture(t, ctrl, Deps{})

	conn, sink := f.connect(ctx, "s-1", "u-1", "org-1")
	f.deliverQueued(ctx)

	f.orch.Dispatch(ctx, conn, sink, newFrame(t, event.ChannelRoster, "", event.RosterRequest{Channel: "general"}))
	req.Equal(errors.CodeForbidden, wireErrorOf(t, sink).Code)
}

func TestHandlers_CommandStartReachesInitiatorAndAffected(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	f := newFixture(t, ctrl, Deps{})

	initiator, sink1 := f.connect(ctx, "s-1", "u-1", "org-1", "commands:execute")
	_, sink2 := f.connect(ctx, "s-2", "u-2", "org-1")
	_, sink3 := f.connect(ctx, "s-3", "u-3", "org-1")
	f.deliverQueued(ctx)

	f.orch.Dispatch(ctx, initiator, sink1, newFrame(t, event.CommandStart, "", event.CommandStartRequest{
		CommandID:     "cmd-1",
		Command:       "bulk-archive",
		AffectedUsers: []string{"u-2"},
	}))
	f.deliverQueued(ctx)

	started, ok := event.DecodePayload[event.CommandStartPayload](sink1.byType(event.CommandStart)[0])
	req.True(ok)
	req.Equal("cmd-1", started.CommandID)
	req.Equal("u-1", started.UserID)
	req.Equal([]string{"u-2"}, started.AffectedUsers)
	req.False(started.StartedAt.IsZero())

	req.Len(sink2.byType(event.CommandStart), 1)
	req.Empty(sink3.byType(event.CommandStart))
}

func TestHandlers_CommandStartNeedsThePermission(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	f := newFixture(t, ctrl, Deps{})

	conn, sink := f.connect(ctx, "s-1", "u-1", "org-1")
	f.deliverQueued(ctx)

	f.orch.Dispatch(ctx, conn, sink, newFrame(t, event.CommandStart, "", event.CommandStartRequest{CommandID: "cmd-1"}))

	req.Equal(errors.CodeForbidden, wireErrorOf(t, sink).Code)
	req.Zero(f.execs.Len())
	entries := f.audit.Recent()
	req.NotEmpty(entries)
	req.Equal(domain.AuditDenied, entries[len(entries)-1].Outcome)
}

func TestHandlers_DuplicateCommandExecutesOnce(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	f := newFixture(t, ctrl, Deps{})

	conn, sink := f.connect(ctx, "s-1", "u-1", "org-1", "commands:execute")
	f.deliverQueued(ctx)

	frame := newFrame(t, event.CommandStart, "", event.CommandStartRequest{CommandID: "cmd-1", Command: "sync"})
	f.orch.Dispatch(ctx, conn, sink, frame)
	f.deliverQueued(ctx)
	req.Len(sink.byType(event.CommandStart), 1)

	// The retry is acknowledged by silence
	f.orch.Dispatch(ctx, conn, sink, frame)
	req.Zero(f.deliverQueued(ctx))
	req.Len(sink.byType(event.CommandStart), 1)
	req.Empty(sink.byType(event.Error))
}

func TestHandlers_CommandProgressFeedsSubscribers(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	f := newFixture(t, ctrl, Deps{})

	initiator, sink1 := f.connect(ctx, "s-1", "u-1", "org-1", "commands:execute")
	watcher, sink3 := f.connect(ctx, "s-3", "u-3", "org-1")
	f.orch.Dispatch(ctx, initiator, sink1, newFrame(t, event.CommandStart, "", event.CommandStartRequest{CommandID: "cmd-1"}))
	f.deliverQueued(ctx)

	// Subscribing to a pending command answers with a progress snapshot
	f.orch.Dispatch(ctx, watcher, sink3, newFrame(t, event.CommandSub, "r-sub", event.CommandSubscribeRequest{CommandID: "cmd-1"}))
	snaps := sink3.byType(event.ProgressUpdate)
	req.Len(snaps, 1)
	req.Equal("r-sub", snaps[0].RequestID)
	snap, ok := event.DecodePayload[event.ProgressPayload](snaps[0])
	req.True(ok)
	req.Zero(snap.Percent)

	f.orch.Dispatch(ctx, initiator, sink1, newFrame(t, event.CommandProgress, "", event.CommandProgressRequest{
		CommandID: "cmd-1",
		Stage:     "uploading",
		Percent:   40,
		Detail:    "40 of 100",
	}))
	f.deliverQueued(ctx)

	updates := sink3.byType(event.ProgressUpdate)
	req.Len(updates, 2)
	update, ok := event.DecodePayload[event.ProgressPayload](updates[1])
	req.True(ok)
	req.Equal("uploading", update.Stage)
	req.Equal(40, update.Percent)
	req.Equal("40 of 100", update.Detail)

	// The initiator's own socket is subscribed too
	req.Len(sink1.byType(event.ProgressUpdate), 1)
}

func TestHandlers_StaleProgressIsSwallowed(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	f := newFixture(t, ctrl, Deps{})

	conn, sink := f.connect(ctx, "s-1", "u-1", "org-1", "commands:execute")
	f.deliverQueued(ctx)

	f.orch.Dispatch(ctx, conn, sink, newFrame(t, event.CommandProgress, "", event.CommandProgressRequest{
		CommandID: "never-started",
		Stage:     "uploading",
		Percent:   10,
	}))

	req.Empty(sink.byType(event.Error))
	req.Zero(f.deliverQueued(ctx))
}

func TestHandlers_CommandCompleteBroadcastsAndNotifies(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()

	notifier := mocks.NewMockNotificationDispatcher(ctrl)
	delivered := make(chan domain.Notification, 1)
	notifier.EXPECT().Dispatch(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, n domain.Notification) error {
			delivered <- n
			return nil
		}).Times(1)

	f := newFixture(t, ctrl, Deps{Notifier: notifier})
	conn, sink := f.connect(ctx, "s-1", "u-1", "org-1", "commands:execute")
	f.orch.Dispatch(ctx, conn, sink, newFrame(t, event.CommandStart, "", event.CommandStartRequest{
		CommandID:     "cmd-1",
		Command:       "bulk-archive",
		AffectedUsers: []string{"u-9"},
	}))
	f.deliverQueued(ctx)

	f.orch.Dispatch(ctx, conn, sink, newFrame(t, event.CommandComplete, "", event.CommandCompleteRequest{
		CommandID: "cmd-1",
		Result:    map[string]any{"archived": 12},
	}))
	f.deliverQueued(ctx)

	// One copy for the initiator: the user room delivers, the command
	// room exclusion prevents the double.
	outcomes := sink.byType(event.CommandComplete)
	req.Len(outcomes, 1)
	outcome, ok := event.DecodePayload[event.CommandCompletePayload](outcomes[0])
	req.True(ok)
	req.Equal("cmd-1", outcome.CommandID)
	req.JSONEq(`{"archived":12}`, string(outcome.Result))
	req.GreaterOrEqual(outcome.DurationMS, int64(0))

	exec, found := f.execs.Get("cmd-1")
	req.True(found)
	req.Equal(domain.StateCompleted, exec.State)
	req.Equal(100, exec.Percent)

	// The offline affected user gets pushed through the notifier
	select {
	case n := <-delivered:
		req.Equal("u-9", n.UserID)
		req.Equal("command_complete", n.Kind)
		req.Equal("cmd-1", n.Ref)
	case <-time.After(2 * time.Second):
		req.Fail("offline affected user was never notified")
	}
}

func TestHandlers_CommandErrorReportsFailure(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	f := newFixture(t, ctrl, Deps{})

	conn, sink := f.connect(ctx, "s-1", "u-1", "org-1", "commands:execute")
	f.orch.Dispatch(ctx, conn, sink, newFrame(t, event.CommandStart, "", event.CommandStartRequest{CommandID: "cmd-1"}))
	f.deliverQueued(ctx)

	f.orch.Dispatch(ctx, conn, sink, newFrame(t, event.CommandError, "", event.CommandErrorRequest{
		CommandID: "cmd-1",
		Code:      "E_TIMEOUT",
		Message:   "backend timed out",
	}))
	f.deliverQueued(ctx)

	failures := sink.byType(event.CommandError)
	req.Len(failures, 1)
	failure, ok := event.DecodePayload[event.CommandErrorPayload](failures[0])
	req.True(ok)
	req.Equal("E_TIMEOUT", failure.Code)
	req.Equal("backend timed out", failure.Message)

	exec, found := f.execs.Get("cmd-1")
	req.True(found)
	req.Equal(domain.StateFailed, exec.State)
}

func TestHandlers_SubscribeToFinishedCommandGetsTheOutcome(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	f := newFixture(t, ctrl, Deps{})

	conn, sink := f.connect(ctx, "s-1", "u-1", "org-1", "commands:execute")
	f.orch.Dispatch(ctx, conn, sink, newFrame(t, event.CommandStart, "", event.CommandStartRequest{CommandID: "cmd-2"}))
	f.orch.Dispatch(ctx, conn, sink, newFrame(t, event.CommandComplete, "", event.CommandCompleteRequest{
		CommandID: "cmd-2",
		Result:    map[string]any{"ok": true},
	}))
	f.deliverQueued(ctx)

	// A late subscriber still learns how it ended
	late, lateSink := f.connect(ctx, "s-3", "u-3", "org-1")
	f.orch.Dispatch(ctx, late, lateSink, newFrame(t, event.CommandSub, "r-late", event.CommandSubscribeRequest{CommandID: "cmd-2"}))

	outcomes := lateSink.byType(event.CommandComplete)
	req.Len(outcomes, 1)
	req.Equal("r-late", outcomes[0].RequestID)
	outcome, ok := event.DecodePayload[event.CommandCompletePayload](outcomes[0])
	req.True(ok)
	req.JSONEq(`{"ok":true}`, string(outcome.Result))
}

func TestHandlers_SubscribeToUnknownCommandFails(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	f := newFixture(t, ctrl, Deps{})

	conn, sink := f.connect(ctx, "s-1", "u-1", "org-1")
	f.deliverQueued(ctx)

	f.orch.Dispatch(ctx, conn, sink, newFrame(t, event.CommandSub, "", event.CommandSubscribeRequest{CommandID: "missing"}))

	we := wireErrorOf(t, sink)
	req.Equal(errors.CodeInvalidPayload, we.Code)
	req.Contains(we.Message, "command_id")
}

func TestHandlers_TokenRefreshRotatesTheCredential(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	f := newFixture(t, ctrl, Deps{})

	pair, err := f.tokens.IssuePair(auth.Subject{UserID: "u-1", OrgID: "org-1"})
	req.NoError(err)

	conn, sink := f.connect(ctx, "s-1", "u-1", "org-1")
	f.deliverQueued(ctx)

	f.orch.Dispatch(ctx, conn, sink, newFrame(t, event.TokenRefresh, "r-1", event.TokenRefreshRequest{
		RefreshToken: pair.RefreshToken,
	}))

	refreshed := sink.byType(event.TokenRefreshed)
	req.Len(refreshed, 1)
	req.Equal("r-1", refreshed[0].RequestID)
	payload, ok := event.DecodePayload[event.TokenRefreshedPayload](refreshed[0])
	req.True(ok)
	req.NotEmpty(payload.AccessToken)
	req.NotEmpty(payload.RefreshToken)

	// The new access token is genuinely usable
	id, err := f.tokens.ValidateAccess(payload.AccessToken)
	req.NoError(err)
	req.Equal("u-1", id.UserID)
	req.False(conn.TokenExpired(time.Now()))
}

func TestHandlers_TokenRefreshRejectsForeignToken(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	f := newFixture(t, ctrl, Deps{})

	otherPair, err := f.tokens.IssuePair(auth.Subject{UserID: "u-2", OrgID: "org-1"})
	req.NoError(err)

	conn, sink := f.connect(ctx, "s-1", "u-1", "org-1")
	f.deliverQueued(ctx)

	f.orch.Dispatch(ctx, conn, sink, newFrame(t, event.TokenRefresh, "", event.TokenRefreshRequest{
		RefreshToken: otherPair.RefreshToken,
	}))

	we := wireErrorOf(t, sink)
	req.Equal(errors.CodeAuthFailed, we.Code)
	req.True(we.Reauth)
	req.Empty(sink.byType(event.TokenRefreshed))
}

func TestHandlers_ExpiredSessionRecoversThroughRefresh(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()
	f := newFixture(t, ctrl, Deps{})

	pair, err := f.tokens.IssuePair(auth.Subject{UserID: "u-1", OrgID: "org-1"})
	req.NoError(err)

	// Given a connection whose credential already lapsed
	id := domain.Identity{UserID: "u-1", OrgID: "org-1", ExpiresAt: time.Now().Add(-time.Minute)}
	conn := domain.NewConnection("s-1", id, time.Now(), false)
	sink := newCaptureSink("s-1")
	f.orch.Connect(ctx, conn, sink, nil)
	f.deliverQueued(ctx)

	// Then everything but recovery is rejected
	f.orch.Dispatch(ctx, conn, sink, newFrame(t, event.JoinChannel, "", event.JoinChannelRequest{Channel: "general"}))
	req.Equal(errors.CodeAuthExpired, wireErrorOf(t, sink).Code)

	// The refresh exchange restores the session
	f.orch.Dispatch(ctx, conn, sink, newFrame(t, event.TokenRefresh, "", event.TokenRefreshRequest{
		RefreshToken: pair.RefreshToken,
	}))
	req.Len(sink.byType(event.TokenRefreshed), 1)

	f.orch.Dispatch(ctx, conn, sink, newFrame(t, event.JoinChannel, "", event.JoinChannelRequest{Channel: "general"}))
	req.Len(sink.byType(event.ChannelJoined), 1)
}
