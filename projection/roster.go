// Package projection builds read models from the event stream it
// observes. Projections answer queries; they never emit events and the
// rooms manager stays authoritative for counts.
package projection

import (
	"sort"
	"sync"

	"crewlink/domain"
	"crewlink/domain/event"
)

// memberState is one user as the roster sees them.
type memberState struct {
	status      domain.PresenceStatus
	connections int
}

// Roster maintains channel -> member -> {status, connections} from the
// fan-out stream, local and bus-delivered alike. It is a cache rebuilt
// from events: entries appear on join, vanish on leave, and statuses
// follow presence updates wherever the user is a member. Membership
// events fire once per user, so connections is a floor of the user's
// real socket count; queries top it up from the local registry.
type Roster struct {
	mu       sync.RWMutex
	channels map[string]map[string]*memberState
	statuses map[string]domain.PresenceStatus
}

func NewRoster() *Roster {
	return &Roster{
		channels: make(map[string]map[string]*memberState),
		statuses: make(map[string]domain.PresenceStatus),
	}
}

// Observe feeds one broadcast event into the model. Unknown event types
// pass through untouched. Payloads are decoded through the event helper
// because bus-delivered envelopes carry maps, not the typed structs.
func (r *Roster) Observe(room domain.RoomID, evt event.Event) {
	switch evt.Type {
	case event.UserJoinedChannel:
		if p, ok := event.DecodePayload[event.MembershipPayload](evt); ok {
			r.join(p.Channel, p.UserID)
		}
	case event.UserLeftChannel:
		if p, ok := event.DecodePayload[event.MembershipPayload](evt); ok {
			r.leave(p.Channel, p.UserID)
		}
	case event.UserStatusUpdate:
		if p, ok := event.DecodePayload[event.StatusPayload](evt); ok {
			r.setStatus(p.UserID, p.Status)
		}
	}
}

func (r *Roster) join(channel, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.channels[channel]
	if !ok {
		members = make(map[string]*memberState)
		r.channels[channel] = members
	}
	if _, ok := members[userID]; !ok {
		members[userID] = &memberState{status: r.currentStatus(userID), connections: 1}
	}
}

func (r *Roster) leave(channel, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.channels[channel]
	if !ok {
		return
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(r.channels, channel)
	}
}

func (r *Roster) setStatus(userID string, status domain.PresenceStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status == domain.StatusOffline {
		delete(r.statuses, userID)
	} else {
		r.statuses[userID] = status
	}
	for _, members := range r.channels {
		if state, ok := members[userID]; ok {
			state.status = status
		}
	}
}

// currentStatus is called with the lock held.
func (r *Roster) currentStatus(userID string) domain.PresenceStatus {
	if s, ok := r.statuses[userID]; ok {
		return s
	}
	return domain.StatusOnline
}

// Members lists a channel's roster sorted by user id, for the
// channel_roster query and the channel_joined enrichment.
func (r *Roster) Members(channel string) []event.RosterEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.channels[channel]
	if !ok {
		return nil
	}
	entries := make([]event.RosterEntry, 0, len(members))
	for userID, state := range members {
		entries = append(entries, event.RosterEntry{
			UserID:      userID,
			Status:      state.status,
			Connections: state.connections,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries
}

// Channels reports how many channels the roster currently tracks.
func (r *Roster) Channels() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
