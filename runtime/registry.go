// Package runtime owns the live state of the gateway: which sockets exist,
// who they belong to, what they subscribe to, and which command executions
// are in flight. It routes inbound events and fans out outbound ones
// without containing business policy.
package runtime

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"crewlink/contract"
	"crewlink/domain"
)

// regShards spreads users across independent locks so two unrelated users
// never contend. All state for one user lives in exactly one shard, which
// is what makes presence flips atomic per user.
const regShards = 32

type regEntry struct {
	conn *domain.Connection
	sink contract.EventSink
}

type regShard struct {
	mu    sync.RWMutex
	users map[string]map[domain.SocketID]*regEntry
}

// Registry is the socket <-> user directory. One user may hold many
// sockets; a user is online iff their socket set is non-empty.
type Registry struct {
	log         *slog.Logger
	shards      [regShards]*regShard
	socketIndex sync.Map // domain.SocketID -> userID
	conns       atomic.Int64
}

func NewRegistry(log *slog.Logger) *Registry {
	r := &Registry{log: log}
	for i := range r.shards {
		r.shards[i] = &regShard{users: make(map[string]map[domain.SocketID]*regEntry)}
	}
	return r
}

func (r *Registry) shardOf(userID string) *regShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return r.shards[h.Sum32()%regShards]
}

// Add registers a live socket under its user. The returned flag is true
// when this is the user's first live connection, i.e. presence just
// flipped to online.
func (r *Registry) Add(conn *domain.Connection, sink contract.EventSink) (first bool) {
	s := r.shardOf(conn.UserID)

	s.mu.Lock()
	set, ok := s.users[conn.UserID]
	if !ok {
		set = make(map[domain.SocketID]*regEntry, 1)
		s.users[conn.UserID] = set
	}
	first = len(set) == 0
	set[conn.SocketID] = &regEntry{conn: conn, sink: sink}
	s.mu.Unlock()

	r.socketIndex.Store(conn.SocketID, conn.UserID)
	r.conns.Add(1)
	r.log.Debug("Socket registered", "socketID", conn.SocketID, "userID", conn.UserID, "first", first)
	return first
}

// Remove forgets a socket. The returned last flag is true when the user's
// set became empty, i.e. presence just flipped to offline. Removing an
// unknown socket is a no-op with ok=false.
func (r *Registry) Remove(socketID domain.SocketID) (conn *domain.Connection, sink contract.EventSink, last, ok bool) {
	v, found := r.socketIndex.LoadAndDelete(socketID)
	if !found {
		return nil, nil, false, false
	}
	userID := v.(string)
	s := r.shardOf(userID)

	s.mu.Lock()
	set, exists := s.users[userID]
	if exists {
		if entry, has := set[socketID]; has {
			conn, sink, ok = entry.conn, entry.sink, true
			delete(set, socketID)
		}
		if len(set) == 0 {
			delete(s.users, userID)
			last = ok
		}
	}
	s.mu.Unlock()

	if ok {
		r.conns.Add(-1)
		r.log.Debug("Socket removed", "socketID", socketID, "userID", userID, "last", last)
	}
	return conn, sink, last, ok
}

// Get resolves a socket to its connection and sink.
func (r *Registry) Get(socketID domain.SocketID) (*domain.Connection, contract.EventSink, bool) {
	v, found := r.socketIndex.Load(socketID)
	if !found {
		return nil, nil, false
	}
	userID := v.(string)
	s := r.shardOf(userID)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if set, ok := s.users[userID]; ok {
		if entry, has := set[socketID]; has {
			return entry.conn, entry.sink, true
		}
	}
	return nil, nil, false
}

// SinksForUser returns every live sink of one user, across all their
// devices and tabs.
func (r *Registry) SinksForUser(userID string) []contract.EventSink {
	s := r.shardOf(userID)

	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.users[userID]
	if !ok {
		return nil
	}
	sinks := make([]contract.EventSink, 0, len(set))
	for _, entry := range set {
		sinks = append(sinks, entry.sink)
	}
	return sinks
}

// SinksForOrg returns the sinks of every connection whose identity belongs
// to the organization.
func (r *Registry) SinksForOrg(orgID string) []contract.EventSink {
	var sinks []contract.EventSink
	for _, s := range r.shards {
		s.mu.RLock()
		for _, set := range s.users {
			for _, entry := range set {
				if entry.conn.OrgID == orgID {
					sinks = append(sinks, entry.sink)
				}
			}
		}
		s.mu.RUnlock()
	}
	return sinks
}

// AllSinks returns every live sink on this node.
func (r *Registry) AllSinks() []contract.EventSink {
	var sinks []contract.EventSink
	for _, s := range r.shards {
		s.mu.RLock()
		for _, set := range s.users {
			for _, entry := range set {
				sinks = append(sinks, entry.sink)
			}
		}
		s.mu.RUnlock()
	}
	return sinks
}

func (r *Registry) IsOnline(userID string) bool {
	s := r.shardOf(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID]) > 0
}

// ConnectionsOf counts one user's live sockets.
func (r *Registry) ConnectionsOf(userID string) int {
	s := r.shardOf(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID])
}

// Connections counts live sockets on this node.
func (r *Registry) Connections() int {
	return int(r.conns.Load())
}

// Users counts distinct online users on this node.
func (r *Registry) Users() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		total += len(s.users)
		s.mu.RUnlock()
	}
	return total
}

// Snapshot returns the current connections without holding any lock while
// the caller works through them. The liveness sweep iterates this.
func (r *Registry) Snapshot() []*domain.Connection {
	var conns []*domain.Connection
	for _, s := range r.shards {
		s.mu.RLock()
		for _, set := range s.users {
			for _, entry := range set {
				conns = append(conns, entry.conn)
			}
		}
		s.mu.RUnlock()
	}
	return conns
}
