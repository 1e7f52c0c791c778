package runtime

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"

	"crewlink/contract"
	"crewlink/domain"
	"crewlink/domain/event"
	"crewlink/errors"
)

func (o *Orchestrator) registerHandlers() {
	o.router.Register(event.Ping, o.handlePing)
	o.router.Register(event.TokenRefresh, o.handleTokenRefresh)
	o.router.Register(event.JoinChannel, o.handleJoin)
	o.router.Register(event.LeaveChannel, o.handleLeave)
	o.router.Register(event.ChatMessage, o.handleChat)
	o.router.Register(event.TaskUpdate, o.handleTask)
	o.router.Register(event.TypingIndicator, o.handleTyping)
	o.router.Register(event.StatusUpdate, o.handleStatus)
	o.router.Register(event.ChannelRoster, o.handleRoster)
	o.router.Register(event.CommandStart, o.handleCommandStart)
	o.router.Register(event.CommandProgress, o.handleCommandProgress)
	o.router.Register(event.CommandComplete, o.handleCommandComplete)
	o.router.Register(event.CommandError, o.handleCommandError)
	o.router.Register(event.CommandSub, o.handleCommandSubscribe)
}

func (o *Orchestrator) handlePing(ctx context.Context, _ *domain.Connection, sink contract.EventSink, frame event.Frame) error {
	return sink.Consume(ctx, event.Reply(event.Pong, frame.RequestID, event.PongPayload{
		ServerTime: o.now(),
	}))
}

// handleTokenRefresh runs the mid-session exchange. Failure leaves the
// connection open on its current credential; the client decides whether
// to reauthenticate.
func (o *Orchestrator) handleTokenRefresh(ctx context.Context, conn *domain.Connection, sink contract.EventSink, frame event.Frame) error {
	req, err := Decode[event.TokenRefreshRequest](frame)
	if err != nil {
		return err
	}

	id, pair, err := o.gate.Refresh(ctx, req.RefreshToken)
	if err != nil {
		return err
	}
	if id.UserID != conn.UserID {
		return fmt.Errorf("%w: refresh token belongs to another user", errors.ErrAuthentication)
	}

	conn.SetTokenExpiry(pair.AccessExpiresAt)
	return sink.Consume(ctx, event.Reply(event.TokenRefreshed, frame.RequestID, event.TokenRefreshedPayload{
		AccessToken:     pair.AccessToken,
		AccessExpiresAt: pair.AccessExpiresAt,
		RefreshToken:    pair.RefreshToken,
	}))
}

func (o *Orchestrator) handleJoin(ctx context.Context, conn *domain.Connection, sink contract.EventSink, frame event.Frame) error {
	req, err := Decode[event.JoinChannelRequest](frame)
	if err != nil {
		return err
	}

	res, err := o.rooms.Join(ctx, conn, req.Channel)
	if err != nil {
		return err
	}

	reply := event.Reply(event.ChannelJoined, frame.RequestID, event.ChannelJoinedPayload{
		Channel:     res.Channel,
		MemberCount: res.MemberCount,
		Members:     o.channelRoster(res.Channel),
	})
	if err := sink.Consume(ctx, reply); err != nil {
		return err
	}

	if res.NewMember {
		o.broadcastMembership(event.UserJoinedChannel, conn.UserID, res.Channel, res.MemberCount)
	}
	if req.Since != nil {
		o.replayTo(ctx, sink, domain.ChannelRoom(req.Channel), *req.Since)
	}
	return nil
}

func (o *Orchestrator) handleLeave(ctx context.Context, conn *domain.Connection, sink contract.EventSink, frame event.Frame) error {
	req, err := Decode[event.LeaveChannelRequest](frame)
	if err != nil {
		return err
	}

	res := o.rooms.Leave(conn, req.Channel)
	reply := event.Reply(event.ChannelLeft, frame.RequestID, event.ChannelLeftPayload{
		Channel:     res.Channel,
		MemberCount: res.MemberCount,
	})
	if err := sink.Consume(ctx, reply); err != nil {
		return err
	}

	if res.UserLeft {
		o.broadcastMembership(event.UserLeftChannel, conn.UserID, res.Channel, res.MemberCount)
	}
	return nil
}

func (o *Orchestrator) handleChat(ctx context.Context, conn *domain.Connection, _ contract.EventSink, frame event.Frame) error {
	req, err := Decode[event.ChatSendRequest](frame)
	if err != nil {
		return err
	}
	if !o.rooms.IsMember(req.Channel, conn.UserID) {
		return fmt.Errorf("%w: not a member of %q", errors.ErrAuthorization, req.Channel)
	}

	content, censored, lang := o.filter.Apply(req.Content)
	messageID := req.MessageID
	if messageID == "" {
		messageID = uuid.New().String()
	}
	sentAt := o.now()

	o.Broadcast(domain.ChannelRoom(req.Channel), event.From(event.ChatMessage, conn.UserID, event.ChatPayload{
		Channel:   req.Channel,
		MessageID: messageID,
		UserID:    conn.UserID,
		Content:   content,
		Lang:      lang,
		Censored:  censored,
		SentAt:    sentAt,
	}))

	o.storeChat(domain.ChatRecord{
		MessageID: messageID,
		Channel:   req.Channel,
		UserID:    conn.UserID,
		OrgID:     conn.OrgID,
		Content:   content,
		Lang:      lang,
		SentAt:    sentAt,
	})
	return nil
}

func (o *Orchestrator) handleTask(ctx context.Context, conn *domain.Connection, _ contract.EventSink, frame event.Frame) error {
	req, err := Decode[event.TaskUpdateRequest](frame)
	if err != nil {
		return err
	}
	if !o.rooms.IsMember(req.Channel, conn.UserID) {
		return fmt.Errorf("%w: not a member of %q", errors.ErrAuthorization, req.Channel)
	}

	o.Broadcast(domain.ChannelRoom(req.Channel), event.From(event.TaskUpdate, conn.UserID, event.TaskPayload{
		Channel:   req.Channel,
		TaskID:    req.TaskID,
		Action:    req.Action,
		Changes:   req.Changes,
		UpdatedBy: conn.UserID,
	}))

	// An assignee without a live socket still learns about the change.
	if assignee, ok := req.Changes["assignee"].(string); ok && assignee != "" && assignee != conn.UserID {
		o.notifyOffline([]string{assignee}, domain.Notification{
			Kind:  "task_" + req.Action,
			Title: "Task " + req.Action,
			Body:  fmt.Sprintf("task %s in #%s", req.TaskID, req.Channel),
			Ref:   req.TaskID,
			At:    o.now(),
		})
	}
	return nil
}

func (o *Orchestrator) handleTyping(ctx context.Context, conn *domain.Connection, _ contract.EventSink, frame event.Frame) error {
	req, err := Decode[event.TypingRequest](frame)
	if err != nil {
		return err
	}
	if !o.rooms.IsMember(req.Channel, conn.UserID) {
		return fmt.Errorf("%w: not a member of %q", errors.ErrAuthorization, req.Channel)
	}

	o.enqueue(Outbound{
		Room:        domain.ChannelRoom(req.Channel),
		ExcludeUser: conn.UserID,
		Event: event.From(event.TypingIndicator, conn.UserID, event.TypingPayload{
			Channel: req.Channel,
			UserID:  conn.UserID,
			Typing:  req.Typing,
		}),
	})
	return nil
}

func (o *Orchestrator) handleStatus(ctx context.Context, conn *domain.Connection, _ contract.EventSink, frame event.Frame) error {
	req, err := Decode[event.StatusRequest](frame)
	if err != nil {
		return err
	}

	status := domain.PresenceStatus(req.Status)
	if !status.Declarable() {
		return &errors.FieldError{Field: "status", Reason: "cannot be declared"}
	}
	o.broadcastPresence(conn, status)
	return nil
}

func (o *Orchestrator) handleRoster(ctx context.Context, conn *domain.Connection, sink contract.EventSink, frame event.Frame) error {
	req, err := Decode[event.RosterRequest](frame)
	if err != nil {
		return err
	}
	if !o.rooms.IsMember(req.Channel, conn.UserID) {
		return fmt.Errorf("%w: not a member of %q", errors.ErrAuthorization, req.Channel)
	}

	return sink.Consume(ctx, event.Reply(event.ChannelRoster, frame.RequestID, event.RosterPayload{
		Channel: req.Channel,
		Members: o.channelRoster(req.Channel),
	}))
}

// channelRoster returns the projected roster with connection counts
// topped up from the local registry. The projection only sees one join
// per membership, so users connected here report their real socket
// count while remote users keep the floor of one.
func (o *Orchestrator) channelRoster(channel string) []event.RosterEntry {
	entries := o.roster.Members(channel)
	for i := range entries {
		if n := o.registry.ConnectionsOf(entries[i].UserID); n > entries[i].Connections {
			entries[i].Connections = n
		}
	}
	return entries
}

// handleCommandStart creates the execution record. A duplicate start is
// acknowledged by silence: the record exists, its broadcast already
// happened, and replaying it would double-notify everyone.
func (o *Orchestrator) handleCommandStart(ctx context.Context, conn *domain.Connection, _ contract.EventSink, frame event.Frame) error {
	req, err := Decode[event.CommandStartRequest](frame)
	if err != nil {
		return err
	}

	exec, started := o.executions.Start(StartCommand{
		CommandID:     req.CommandID,
		UserID:        conn.UserID,
		OrgID:         conn.OrgID,
		Command:       req.Command,
		AffectedUsers: req.AffectedUsers,
		SocketID:      conn.SocketID,
	})
	if !started {
		o.log.Debug("Duplicate command start ignored",
			"commandID", req.CommandID, "userID", conn.UserID)
		return nil
	}
	o.metrics.IncCommandsStarted()

	payload := event.CommandStartPayload{
		CommandID:     exec.CommandID,
		UserID:        exec.UserID,
		Command:       exec.Command,
		AffectedUsers: exec.AffectedUsers,
		StartedAt:     exec.CreatedAt,
	}
	evt := event.From(event.CommandStart, exec.UserID, payload)
	o.Broadcast(domain.UserRoom(exec.UserID), evt)
	for _, affected := range exec.AffectedUsers {
		o.Broadcast(domain.UserRoom(affected), evt)
	}
	return nil
}

// handleCommandProgress relays pipeline progress to the command's
// subscribers. Progress for an unknown or finished command is stale
// pipeline noise: logged, never an error back to the sender.
func (o *Orchestrator) handleCommandProgress(ctx context.Context, conn *domain.Connection, _ contract.EventSink, frame event.Frame) error {
	req, err := Decode[event.CommandProgressRequest](frame)
	if err != nil {
		return err
	}

	exec, err := o.executions.Progress(req.CommandID, req.Stage, req.Percent, req.Detail)
	if err != nil {
		if stderrors.Is(err, errors.ErrTerminalState) || stderrors.Is(err, errors.ErrUnknownCommand) {
			o.log.Warn("Progress discarded",
				"commandID", req.CommandID, "from", conn.UserID, "error", err)
			return nil
		}
		return err
	}

	o.Broadcast(domain.CommandRoom(exec.CommandID), event.From(event.ProgressUpdate, conn.UserID, event.ProgressPayload{
		CommandID: exec.CommandID,
		Stage:     exec.Stage,
		Percent:   exec.Percent,
		Detail:    req.Detail,
	}))
	return nil
}

func (o *Orchestrator) handleCommandComplete(ctx context.Context, conn *domain.Connection, _ contract.EventSink, frame event.Frame) error {
	req, err := Decode[event.CommandCompleteRequest](frame)
	if err != nil {
		return err
	}

	exec, err := o.executions.Complete(req.CommandID, encodeResult(req.Result))
	if err != nil {
		if stderrors.Is(err, errors.ErrTerminalState) || stderrors.Is(err, errors.ErrUnknownCommand) {
			o.log.Warn("Completion discarded",
				"commandID", req.CommandID, "from", conn.UserID, "error", err)
			return nil
		}
		return err
	}
	o.metrics.IncCommandsCompleted()

	evt := event.From(event.CommandComplete, exec.UserID, event.CommandCompletePayload{
		CommandID:   exec.CommandID,
		Result:      exec.Result,
		CompletedAt: exec.UpdatedAt,
		DurationMS:  exec.Duration().Milliseconds(),
	})
	o.broadcastCommandOutcome(exec, evt)

	o.notifyOffline(exec.AffectedUsers, domain.Notification{
		Kind:  "command_complete",
		Title: "Command finished",
		Body:  exec.Command,
		Ref:   exec.CommandID,
		At:    o.now(),
	})
	return nil
}

func (o *Orchestrator) handleCommandError(ctx context.Context, conn *domain.Connection, _ contract.EventSink, frame event.Frame) error {
	req, err := Decode[event.CommandErrorRequest](frame)
	if err != nil {
		return err
	}

	exec, err := o.executions.Fail(req.CommandID, req.Code, req.Message)
	if err != nil {
		if stderrors.Is(err, errors.ErrTerminalState) || stderrors.Is(err, errors.ErrUnknownCommand) {
			o.log.Warn("Failure report discarded",
				"commandID", req.CommandID, "from", conn.UserID, "error", err)
			return nil
		}
		return err
	}
	o.metrics.IncCommandsFailed()

	evt := event.From(event.CommandError, exec.UserID, event.CommandErrorPayload{
		CommandID: exec.CommandID,
		Code:      req.Code,
		Message:   req.Message,
		FailedAt:  exec.UpdatedAt,
	})
	o.broadcastCommandOutcome(exec, evt)
	return nil
}

// broadcastCommandOutcome reaches the initiator and the affected users
// through their user rooms, and third-party subscribers through the
// command room. The initiator is excluded there; their own subscription
// is already covered by the user room.
func (o *Orchestrator) broadcastCommandOutcome(exec domain.Execution, evt event.Event) {
	o.Broadcast(domain.UserRoom(exec.UserID), evt)
	for _, affected := range exec.AffectedUsers {
		o.Broadcast(domain.UserRoom(affected), evt)
	}
	o.enqueue(Outbound{
		Room:        domain.CommandRoom(exec.CommandID),
		ExcludeUser: exec.UserID,
		Event:       evt,
	})
}

// handleCommandSubscribe adds the socket to the command's progress feed
// and answers with a snapshot of where the execution stands right now.
func (o *Orchestrator) handleCommandSubscribe(ctx context.Context, conn *domain.Connection, sink contract.EventSink, frame event.Frame) error {
	req, err := Decode[event.CommandSubscribeRequest](frame)
	if err != nil {
		return err
	}

	if err := o.executions.Subscribe(req.CommandID, conn.SocketID); err != nil {
		if stderrors.Is(err, errors.ErrUnknownCommand) {
			return &errors.FieldError{Field: "command_id", Reason: "is not a known command"}
		}
		return err
	}

	exec, ok := o.executions.Get(req.CommandID)
	if !ok {
		return nil
	}
	return sink.Consume(ctx, o.snapshotEvent(exec, frame.RequestID))
}

func (o *Orchestrator) snapshotEvent(exec domain.Execution, requestID string) event.Event {
	switch exec.State {
	case domain.StateCompleted:
		return event.Reply(event.CommandComplete, requestID, event.CommandCompletePayload{
			CommandID:   exec.CommandID,
			Result:      exec.Result,
			CompletedAt: exec.UpdatedAt,
			DurationMS:  exec.Duration().Milliseconds(),
		})
	case domain.StateFailed:
		payload := event.CommandErrorPayload{CommandID: exec.CommandID, FailedAt: exec.UpdatedAt}
		if exec.Failure != nil {
			payload.Code = exec.Failure.Code
			payload.Message = exec.Failure.Message
		}
		return event.Reply(event.CommandError, requestID, payload)
	default:
		return event.Reply(event.ProgressUpdate, requestID, event.ProgressPayload{
			CommandID: exec.CommandID,
			Stage:     exec.Stage,
			Percent:   exec.Percent,
		})
	}
}
