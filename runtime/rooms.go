package runtime

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"crewlink/contract"
	"crewlink/domain"
	"crewlink/errors"
)

const roomShards = 32

type socketSet map[domain.SocketID]struct{}

// channelState tracks one channel. members is keyed by userID; the inner
// set holds the user's subscribed sockets and MAY be empty: a user who
// loses a socket but stays online through another one remains a member
// (distinct-user count unchanged) even with no subscribed socket left.
type channelState struct {
	members map[string]socketSet
}

type roomShard struct {
	mu       sync.RWMutex
	channels map[string]*channelState
}

type stringSet struct {
	mu  sync.Mutex
	set map[string]struct{}
}

// Rooms is the channel membership cache. It mirrors live subscriptions,
// not the store of record: the directory owns persisted membership and
// reconnecting sockets rebuild their entries through Join.
type Rooms struct {
	log        *slog.Logger
	authz      contract.Authorizer
	maxMembers int
	shards     [roomShards]*roomShard

	// socketChannels: which channels a socket subscribed to, for dropping
	// delivery on disconnect. userChannels: which channels a user is a
	// member of, for evicting membership when the last connection dies.
	socketChannels sync.Map // domain.SocketID -> *stringSet
	userChannels   sync.Map // userID -> *stringSet
}

type JoinResult struct {
	Channel     string
	MemberCount int
	NewMember   bool
}

type LeaveResult struct {
	Channel     string
	MemberCount int
	WasMember   bool
	UserLeft    bool
}

// Departure reports a membership that ended because its user went offline.
type Departure struct {
	Channel     string
	MemberCount int
}

func NewRooms(log *slog.Logger, authz contract.Authorizer, maxMembers int) *Rooms {
	r := &Rooms{log: log, authz: authz, maxMembers: maxMembers}
	for i := range r.shards {
		r.shards[i] = &roomShard{channels: make(map[string]*channelState)}
	}
	return r
}

func (r *Rooms) shardOf(channel string) *roomShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(channel))
	return r.shards[h.Sum32()%roomShards]
}

// Join subscribes a socket to a channel. The authorization check runs
// before any lock is taken; a denial changes nothing. Joining a channel
// the socket already subscribes to is a harmless no-op.
func (r *Rooms) Join(ctx context.Context, conn *domain.Connection, channel string) (JoinResult, error) {
	allowed, err := r.authz.CanAccessChannel(ctx, conn.UserID, channel)
	if err != nil {
		return JoinResult{}, fmt.Errorf("%w: authorizer: %v", errors.ErrTransient, err)
	}
	if !allowed {
		return JoinResult{}, fmt.Errorf("%w: channel %q", errors.ErrAuthorization, channel)
	}

	s := r.shardOf(channel)
	s.mu.Lock()
	state, ok := s.channels[channel]
	if !ok {
		state = &channelState{members: make(map[string]socketSet)}
		s.channels[channel] = state
	}
	set, member := state.members[conn.UserID]
	if !member {
		if r.maxMembers > 0 && len(state.members) >= r.maxMembers {
			s.mu.Unlock()
			return JoinResult{}, fmt.Errorf("%w: channel %q", errors.ErrRoomFull, channel)
		}
		set = make(socketSet, 1)
		state.members[conn.UserID] = set
	}
	set[conn.SocketID] = struct{}{}
	count := len(state.members)
	s.mu.Unlock()

	r.index(&r.socketChannels, string(conn.SocketID)).add(channel)
	r.index(&r.userChannels, conn.UserID).add(channel)

	return JoinResult{Channel: channel, MemberCount: count, NewMember: !member}, nil
}

// Leave unsubscribes a socket. Membership ends only when this was the
// user's last subscribed socket in the channel; that is the one case that
// should broadcast user_left_channel.
func (r *Rooms) Leave(conn *domain.Connection, channel string) LeaveResult {
	s := r.shardOf(channel)
	s.mu.Lock()
	state, ok := s.channels[channel]
	if !ok {
		s.mu.Unlock()
		return LeaveResult{Channel: channel}
	}
	set, member := state.members[conn.UserID]
	if !member {
		s.mu.Unlock()
		return LeaveResult{Channel: channel, MemberCount: len(state.members)}
	}
	delete(set, conn.SocketID)
	userLeft := len(set) == 0
	if userLeft {
		delete(state.members, conn.UserID)
	}
	count := len(state.members)
	if count == 0 {
		delete(s.channels, channel)
	}
	s.mu.Unlock()

	r.index(&r.socketChannels, string(conn.SocketID)).remove(channel)
	if userLeft {
		r.index(&r.userChannels, conn.UserID).remove(channel)
	}

	return LeaveResult{Channel: channel, MemberCount: count, WasMember: true, UserLeft: userLeft}
}

// DropSocket handles a disconnect. The socket leaves every delivery set;
// while the user stays online through other sockets their memberships
// survive with whatever sockets remain. When the last connection dies the
// user's memberships are evicted and each one is reported as a Departure.
func (r *Rooms) DropSocket(conn *domain.Connection, stillOnline bool) []Departure {
	if subs, ok := r.socketChannels.LoadAndDelete(string(conn.SocketID)); ok {
		for _, channel := range subs.(*stringSet).drain() {
			s := r.shardOf(channel)
			s.mu.Lock()
			if state, exists := s.channels[channel]; exists {
				if set, member := state.members[conn.UserID]; member {
					delete(set, conn.SocketID)
				}
			}
			s.mu.Unlock()
		}
	}

	if stillOnline {
		return nil
	}

	memberships, ok := r.userChannels.LoadAndDelete(conn.UserID)
	if !ok {
		return nil
	}
	var departures []Departure
	for _, channel := range memberships.(*stringSet).drain() {
		s := r.shardOf(channel)
		s.mu.Lock()
		state, exists := s.channels[channel]
		if !exists {
			s.mu.Unlock()
			continue
		}
		if _, member := state.members[conn.UserID]; !member {
			s.mu.Unlock()
			continue
		}
		delete(state.members, conn.UserID)
		count := len(state.members)
		if count == 0 {
			delete(s.channels, channel)
		}
		s.mu.Unlock()
		departures = append(departures, Departure{Channel: channel, MemberCount: count})
	}
	return departures
}

// MemberCount reports the number of distinct member users.
func (r *Rooms) MemberCount(channel string) int {
	s := r.shardOf(channel)
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.channels[channel]
	if !ok {
		return 0
	}
	return len(state.members)
}

// IsMember reports whether the user currently belongs to the channel.
func (r *Rooms) IsMember(channel, userID string) bool {
	s := r.shardOf(channel)
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.channels[channel]
	if !ok {
		return false
	}
	_, member := state.members[userID]
	return member
}

// SocketsIn lists the sockets subscribed to the channel, the delivery set
// for a channel room.
func (r *Rooms) SocketsIn(channel string) []domain.SocketID {
	s := r.shardOf(channel)
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.channels[channel]
	if !ok {
		return nil
	}
	var sockets []domain.SocketID
	for _, set := range state.members {
		for id := range set {
			sockets = append(sockets, id)
		}
	}
	return sockets
}

// Members lists the distinct member users of a channel.
func (r *Rooms) Members(channel string) []string {
	s := r.shardOf(channel)
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.channels[channel]
	if !ok {
		return nil
	}
	users := make([]string, 0, len(state.members))
	for userID := range state.members {
		users = append(users, userID)
	}
	return users
}

// Channels counts the channels currently holding at least one member.
func (r *Rooms) Channels() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		total += len(s.channels)
		s.mu.RUnlock()
	}
	return total
}

// ChannelsOf lists the channels a socket subscribes to.
func (r *Rooms) ChannelsOf(socketID domain.SocketID) []string {
	subs, ok := r.socketChannels.Load(string(socketID))
	if !ok {
		return nil
	}
	return subs.(*stringSet).items()
}

// UserChannels lists the channels a user currently holds membership in,
// across all their sockets. Used to resubscribe a reconnecting socket.
func (r *Rooms) UserChannels(userID string) []string {
	subs, ok := r.userChannels.Load(userID)
	if !ok {
		return nil
	}
	return subs.(*stringSet).items()
}

func (r *Rooms) index(m *sync.Map, key string) *stringSet {
	if v, ok := m.Load(key); ok {
		return v.(*stringSet)
	}
	v, _ := m.LoadOrStore(key, &stringSet{set: make(map[string]struct{})})
	return v.(*stringSet)
}

func (s *stringSet) add(item string) {
	s.mu.Lock()
	s.set[item] = struct{}{}
	s.mu.Unlock()
}

func (s *stringSet) remove(item string) {
	s.mu.Lock()
	delete(s.set, item)
	s.mu.Unlock()
}

func (s *stringSet) items() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.set))
	for item := range s.set {
		out = append(out, item)
	}
	return out
}

func (s *stringSet) drain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.set))
	for item := range s.set {
		out = append(out, item)
	}
	s.set = make(map[string]struct{})
	return out
}
