// Package runtime owns the live half of the gateway: the socket registry,
// channel membership, command executions, and the dispatch/fan-out
// pipeline between them. It orchestrates; policy and persistence stay
// behind the contract interfaces.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"crewlink/auth"
	"crewlink/contract"
	"crewlink/domain"
	"crewlink/domain/event"
	"crewlink/moderation"
	"crewlink/observability"
	"crewlink/projection"
	"crewlink/runtime/workers"
)

// Disconnect reasons, recorded in logs and the audit trail.
const (
	ReasonClientClose  = "client_close"
	ReasonInactivity   = "inactivity"
	ReasonSlowConsumer = "slow_consumer"
	ReasonShutdown     = "shutdown"
)

// rebuildTimeout bounds the directory lookup that restores a
// reconnecting user's persisted channels.
const rebuildTimeout = 3 * time.Second

// Outbound is one event bound for every sink of a room; see
// event.Outbound for the field semantics.
type Outbound = event.Outbound

// Deps bundles the external collaborators the orchestrator drives. All
// of them are interfaces; the defaults live in repositories/, bus/,
// services/ and observability/.
type Deps struct {
	Bus       contract.Bus
	Replay    contract.ReplayBuffer
	Store     contract.MessageStore
	Notifier  contract.NotificationDispatcher
	Members   contract.MembershipDirectory
	Audit     contract.AuditSink
	Telemetry []workers.SnapshotEmitter
}

// Options carries the tuning knobs read from config.
type Options struct {
	NodeID            string
	OutboundBuffer    int
	ReplayLimit       int
	SinkTimeout       time.Duration
	HeartbeatInterval time.Duration
	InactivityTimeout time.Duration
	ExecutionSweep    time.Duration
	StatsInterval     time.Duration
}

type Orchestrator struct {
	mu         sync.Mutex
	log        *slog.Logger
	opts       Options
	deps       Deps
	supervisor contract.ISupervisor

	registry   *Registry
	rooms      *Rooms
	executions *Executions
	router     *Router
	gate       *auth.Gate
	filter     *moderation.Filter
	roster     *projection.Roster
	metrics    *observability.Metrics

	outbound chan Outbound
	now      func() time.Time
}

func NewOrchestrator(log *slog.Logger, supervisor contract.ISupervisor,
	registry *Registry, rooms *Rooms, executions *Executions, router *Router,
	gate *auth.Gate, filter *moderation.Filter, roster *projection.Roster,
	metrics *observability.Metrics, deps Deps, opts Options) *Orchestrator {
	if opts.OutboundBuffer <= 0 {
		opts.OutboundBuffer = 4096
	}
	o := &Orchestrator{
		log:        log,
		opts:       opts,
		deps:       deps,
		supervisor: supervisor,
		registry:   registry,
		rooms:      rooms,
		executions: executions,
		router:     router,
		gate:       gate,
		filter:     filter,
		roster:     roster,
		metrics:    metrics,
		outbound:   make(chan Outbound, opts.OutboundBuffer),
		now:        time.Now,
	}
	o.registerHandlers()
	return o
}

// WithClock replaces the time source. Test hook.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Dispatch feeds one inbound frame into the router. Exposed to the ws
// read pump; runs on the caller's goroutine, which keeps per-connection
// ordering.
func (o *Orchestrator) Dispatch(ctx context.Context, conn *domain.Connection, sink contract.EventSink, frame event.Frame) {
	o.router.Dispatch(ctx, conn, sink, frame)
}

// Online reports whether the user already holds a live socket here. The
// transport uses it to mark handshakes as resumptions.
func (o *Orchestrator) Online(userID string) bool {
	return o.registry.IsOnline(userID)
}

// Connect registers a freshly authenticated socket: ack first, then the
// refreshed token pair if the handshake minted one, then presence and
// channel resubscription.
func (o *Orchestrator) Connect(ctx context.Context, conn *domain.Connection, sink contract.EventSink, refreshed *auth.TokenPair) {
	first := o.registry.Add(conn, sink)
	if conn.Reconnect {
		o.metrics.IncReconnections()
	}

	ack := event.New(event.ConnectionAck, event.AckPayload{
		SocketID:   conn.SocketID,
		UserID:     conn.UserID,
		ServerTime: o.now(),
		Resumed:    conn.Reconnect,
	})
	if err := sink.Consume(ctx, ack); err != nil {
		o.log.Warn("Ack undeliverable", "socketID", conn.SocketID, "error", err)
	}
	if refreshed != nil {
		refreshEvt := event.New(event.TokenRefreshed, event.TokenRefreshedPayload{
			AccessToken:     refreshed.AccessToken,
			AccessExpiresAt: refreshed.AccessExpiresAt,
			RefreshToken:    refreshed.RefreshToken,
		})
		if err := sink.Consume(ctx, refreshEvt); err != nil {
			o.log.Warn("Refresh event undeliverable", "socketID", conn.SocketID, "error", err)
		}
	}

	if first {
		o.broadcastPresence(conn, domain.StatusOnline)
	}
	o.resubscribe(ctx, conn)

	o.log.Info("Connection established",
		"socketID", conn.SocketID, "userID", conn.UserID,
		"resumed", conn.Reconnect, "first", first)
}

// resubscribe re-runs Join for every channel this user should be in: the
// live memberships other sockets kept alive, plus the directory's
// persisted list. Each join is authorized individually; a failure skips
// that channel and never fails the connection.
func (o *Orchestrator) resubscribe(ctx context.Context, conn *domain.Connection) {
	channels := o.rooms.UserChannels(conn.UserID)

	if o.deps.Members != nil {
		dirCtx, cancel := context.WithTimeout(ctx, rebuildTimeout)
		persisted, err := o.deps.Members.ChannelsOf(dirCtx, conn.UserID)
		cancel()
		if err != nil {
			o.log.Warn("Membership lookup failed, resubscribing live channels only",
				"userID", conn.UserID, "error", err)
		} else {
			channels = append(channels, persisted...)
		}
	}

	for _, channel := range lo.Uniq(channels) {
		res, err := o.rooms.Join(ctx, conn, channel)
		if err != nil {
			o.log.Warn("Resubscribe skipped",
				"userID", conn.UserID, "channel", channel, "error", err)
			continue
		}
		if res.NewMember {
			o.broadcastMembership(event.UserJoinedChannel, conn.UserID, res.Channel, res.MemberCount)
		}
	}
}

// Disconnect tears a socket down through one path whatever the trigger:
// client close, heartbeat eviction, slow consumer, shutdown. Unknown
// sockets are a no-op.
func (o *Orchestrator) Disconnect(ctx context.Context, socketID domain.SocketID, reason string) {
	conn, sink, last, ok := o.registry.Remove(socketID)
	if !ok {
		return
	}
	sink.Close()

	departures := o.rooms.DropSocket(conn, !last)
	for _, dep := range departures {
		o.broadcastMembership(event.UserLeftChannel, conn.UserID, dep.Channel, dep.MemberCount)
	}
	o.executions.DropSocket(socketID)

	if last {
		o.broadcastPresence(conn, domain.StatusOffline)
	}
	if reason == ReasonInactivity {
		o.metrics.IncEvictions()
		o.deps.Audit.Record(ctx, domain.AuditEntry{
			At:       o.now(),
			UserID:   conn.UserID,
			SocketID: socketID,
			Action:   "connection",
			Outcome:  domain.AuditEvicted,
			Detail:   fmt.Sprintf("idle since %s", conn.IdleSince(o.now()).Round(time.Second)),
		})
	}

	o.log.Info("Connection closed",
		"socketID", socketID, "userID", conn.UserID,
		"reason", reason, "last", last, "departures", len(departures))
}

// Broadcast enqueues an event for fan-out to a room. The queue is never
// allowed to block a handler: when full the event is dropped and counted.
func (o *Orchestrator) Broadcast(room domain.RoomID, evt event.Event) {
	o.enqueue(Outbound{Room: room, Event: evt})
}

func (o *Orchestrator) enqueue(out Outbound) {
	select {
	case o.outbound <- out:
	default:
		o.metrics.IncDropped()
		o.log.Warn("Outbound queue full, dropping event",
			"room", out.Room, "type", out.Event.Type)
	}
}

func (o *Orchestrator) broadcastPresence(conn *domain.Connection, status domain.PresenceStatus) {
	evt := event.From(event.UserStatusUpdate, conn.UserID, event.StatusPayload{
		UserID: conn.UserID,
		Status: status,
		At:     o.now(),
	})
	o.Broadcast(domain.OrgRoom(conn.OrgID), evt)
}

func (o *Orchestrator) broadcastMembership(name event.Name, userID, channel string, memberCount int) {
	evt := event.From(name, userID, event.MembershipPayload{
		Channel:     channel,
		UserID:      userID,
		MemberCount: memberCount,
	})
	o.Broadcast(domain.ChannelRoom(channel), evt)
}

// delivery pairs a sink with its owning user where resolution knows it.
type delivery struct {
	sink   contract.EventSink
	userID string
}

// resolve maps a room to the local sinks that should receive it.
func (o *Orchestrator) resolve(out Outbound) []delivery {
	room := out.Room
	switch room.Kind() {
	case domain.RoomUser:
		return o.deliveries(o.registry.SinksForUser(room.Ref()), room.Ref())
	case domain.RoomOrg:
		return o.deliveries(o.registry.SinksForOrg(room.Ref()), "")
	case domain.RoomBroadcast:
		return o.deliveries(o.registry.AllSinks(), "")
	case domain.RoomChannel:
		return o.bySocket(o.rooms.SocketsIn(room.Ref()))
	case domain.RoomCommand:
		return o.bySocket(o.executions.Subscribers(room.Ref()))
	default:
		o.log.Warn("Unroutable room", "room", room)
		return nil
	}
}

func (o *Orchestrator) deliveries(sinks []contract.EventSink, userID string) []delivery {
	out := make([]delivery, 0, len(sinks))
	for _, s := range sinks {
		out = append(out, delivery{sink: s, userID: userID})
	}
	return out
}

func (o *Orchestrator) bySocket(sockets []domain.SocketID) []delivery {
	out := make([]delivery, 0, len(sockets))
	for _, id := range sockets {
		if conn, sink, ok := o.registry.Get(id); ok {
			out = append(out, delivery{sink: sink, userID: conn.UserID})
		}
	}
	return out
}

// fanout delivers one outbound event: local sinks first, then the replay
// buffer, then the bus. Bus trouble never blocks or fails local delivery.
func (o *Orchestrator) fanout(ctx context.Context, out Outbound) {
	o.roster.Observe(out.Room, out.Event)

	delivered := uint64(0)
	for _, d := range o.resolve(out) {
		if out.ExcludeUser != "" && d.userID == out.ExcludeUser {
			continue
		}
		sinkCtx := ctx
		var cancel context.CancelFunc
		if o.opts.SinkTimeout > 0 {
			sinkCtx, cancel = context.WithTimeout(ctx, o.opts.SinkTimeout)
		}
		err := d.sink.Consume(sinkCtx, out.Event)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			o.log.Warn("Sink overflow, closing connection",
				"socketID", d.sink.ID(), "room", out.Room, "error", err)
			o.Disconnect(ctx, d.sink.ID(), ReasonSlowConsumer)
			continue
		}
		delivered++
	}
	if delivered > 0 {
		o.metrics.IncEventsOut(delivered)
	}

	env := event.Wrap(out.Room, o.opts.NodeID, out.Event)
	if o.deps.Replay != nil && out.Room.Kind() == domain.RoomChannel {
		// Every node retains the envelope so any of them can serve the
		// late-subscriber window for this room.
		if err := o.deps.Replay.Store(ctx, env); err != nil {
			o.log.Warn("Replay store failed", "room", out.Room, "error", err)
		}
	}
	if !out.FromBus {
		o.publishEnvelope(ctx, env)
	}
}

func (o *Orchestrator) publishEnvelope(ctx context.Context, env event.Envelope) {
	if o.deps.Bus == nil {
		return
	}
	if err := o.deps.Bus.Publish(ctx, env); err != nil {
		o.metrics.IncBusErrors()
		o.log.Error("Bus publish failed, event stays local",
			"room", env.Room, "type", env.Event.Type, "error", err)
		return
	}
	o.metrics.IncBusPublished()
}

// consume handles one envelope from another node: deliver to local sinks
// only. Our own envelopes already went out locally before publishing.
func (o *Orchestrator) consume(_ context.Context, env event.Envelope) {
	if env.OriginNode == o.opts.NodeID {
		return
	}
	o.metrics.IncBusReceived()
	o.enqueue(Outbound{Room: env.Room, Event: env.Event, FromBus: true})
}

// replayTo streams a room's missed window to a single sink, oldest first.
func (o *Orchestrator) replayTo(ctx context.Context, sink contract.EventSink, room domain.RoomID, since time.Time) {
	if o.deps.Replay == nil {
		return
	}
	envs, err := o.deps.Replay.EventsSince(ctx, room, since, o.opts.ReplayLimit)
	if err != nil {
		o.log.Warn("Replay read failed", "room", room, "error", err)
		return
	}
	served := uint64(0)
	for _, env := range envs {
		if err := sink.Consume(ctx, env.Event); err != nil {
			o.log.Warn("Replay delivery stopped", "socketID", sink.ID(), "error", err)
			break
		}
		served++
	}
	if served > 0 {
		o.metrics.IncReplayServed(served)
		o.log.Debug("Replay served", "room", room, "events", served, "since", since)
	}
}

// storeChat hands a delivered message to the persistence interface
// without coupling delivery latency to storage latency.
func (o *Orchestrator) storeChat(rec domain.ChatRecord) {
	if o.deps.Store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.deps.Store.StoreMessage(ctx, rec); err != nil {
			o.log.Warn("Chat persistence failed",
				"channel", rec.Channel, "messageID", rec.MessageID, "error", err)
		}
	}()
}

// notifyOffline dispatches a notification for every listed user without a
// live socket. Best-effort.
func (o *Orchestrator) notifyOffline(userIDs []string, n domain.Notification) {
	if o.deps.Notifier == nil {
		return
	}
	for _, userID := range userIDs {
		if o.registry.IsOnline(userID) {
			continue
		}
		n := n
		n.UserID = userID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := o.deps.Notifier.Dispatch(ctx, n); err != nil {
				o.log.Warn("Notification dispatch failed",
					"userID", n.UserID, "kind", n.Kind, "error", err)
			}
		}()
	}
}

// Start prepares the worker set and hands it to the supervisor. Per the
// preparation pattern, everything heavy happens before the short locked
// section that registers workers.
func (o *Orchestrator) Start(ctx context.Context) error {
	// 1. Preparation phase (no lock).
	fanout := workers.NewFanout(o.log, o.outbound, o.fanout)
	heartbeat := workers.NewHeartbeat(o.log, o.opts.HeartbeatInterval, o.opts.InactivityTimeout,
		o.registry.Snapshot, func(ctx context.Context, socketID domain.SocketID) {
			o.Disconnect(ctx, socketID, ReasonInactivity)
		})
	janitor := workers.NewJanitor(o.log, o.opts.ExecutionSweep, o.executions.Sweep)
	telemetry := workers.NewTelemetry(o.log, o.opts.StatsInterval, o.metrics, o.gauges, o.deps.Telemetry...)

	prepared := []contract.Worker{fanout, heartbeat, janitor, telemetry}
	if o.deps.Bus != nil {
		prepared = append(prepared, workers.NewConsumer(o.log, o.deps.Bus, o.consume))
	}

	// 2. Critical section (short lock): register with the supervisor.
	o.mu.Lock()
	for _, w := range prepared {
		o.supervisor.Add(w)
	}
	o.mu.Unlock()

	// 3. Execution phase (no lock).
	o.log.Info("Starting orchestrator and all supervised workers",
		"node", o.opts.NodeID, "workers", len(prepared))
	o.supervisor.Run(ctx)
	return nil
}

func (o *Orchestrator) gauges() (int64, int, int) {
	return int64(o.registry.Connections()), o.registry.Users(), o.rooms.Channels()
}

// Stop cancels supervision; workers observe their context and drain.
// Drain closes every live socket through the normal disconnect path, so
// presence and membership wind down and each write pump sends its close
// frame. Shutdown calls it after the listener stops accepting.
func (o *Orchestrator) Drain(ctx context.Context) {
	for _, conn := range o.registry.Snapshot() {
		o.Disconnect(ctx, conn.SocketID, ReasonShutdown)
	}
}

func (o *Orchestrator) Stop() {
	o.log.Info("Requesting orchestrator shutdown")
	o.supervisor.Stop()
}

// encodeResult normalizes a client-supplied result map for storage.
func encodeResult(result map[string]any) json.RawMessage {
	if len(result) == 0 {
		return nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	return raw
}
