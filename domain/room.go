package domain

import "strings"

// RoomID names a delivery target. Rooms are string-kinded so the fan-out
// path can route without a lookup table:
//
//	user:<userID>       every socket of one user
//	channel:<name>      sockets subscribed to a channel
//	org:<orgID>         every socket of an organization
//	command:<commandID> sockets following one command execution
//	broadcast:all       everyone on this node and its peers
type RoomID string

type RoomKind string

const (
	RoomUser      RoomKind = "user"
	RoomChannel   RoomKind = "channel"
	RoomOrg       RoomKind = "org"
	RoomCommand   RoomKind = "command"
	RoomBroadcast RoomKind = "broadcast"
)

const BroadcastRoom = RoomID("broadcast:all")

func UserRoom(userID string) RoomID    { return RoomID("user:" + userID) }
func ChannelRoom(name string) RoomID   { return RoomID("channel:" + name) }
func OrgRoom(orgID string) RoomID      { return RoomID("org:" + orgID) }
func CommandRoom(cmdID string) RoomID  { return RoomID("command:" + cmdID) }

// Kind returns the routing class of the room.
func (r RoomID) Kind() RoomKind {
	kind, _, ok := strings.Cut(string(r), ":")
	if !ok {
		return RoomChannel
	}
	return RoomKind(kind)
}

// Ref returns the identifier part after the kind prefix.
func (r RoomID) Ref() string {
	_, ref, ok := strings.Cut(string(r), ":")
	if !ok {
		return string(r)
	}
	return ref
}

func (r RoomID) String() string { return string(r) }
