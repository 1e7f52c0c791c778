package domain

// PresenceStatus is a user's availability. Online/offline flips are derived
// from the registry (first connection up, last connection down); the middle
// states are user-declared via status_update.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
	StatusDND     PresenceStatus = "dnd"
	StatusOffline PresenceStatus = "offline"
)

func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusDND, StatusOffline:
		return true
	}
	return false
}

// Declarable reports whether a client may set this status itself.
// Offline is never declared, only observed.
func (s PresenceStatus) Declarable() bool {
	return s.Valid() && s != StatusOffline
}
