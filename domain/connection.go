package domain

import (
	"sync/atomic"
	"time"
)

// SocketID uniquely identifies one websocket connection. One user may hold
// several at once (desktop, mobile, extra tabs).
type SocketID string

// Identity is what a validated token says about the peer.
type Identity struct {
	UserID      string
	OrgID       string
	Roles       []string
	Permissions []string
	ExpiresAt   time.Time
}

// Connection is the registry's record of a live socket. Identity fields are
// immutable after construction; the two fields shared between the connection
// goroutine and the sweeper are atomics, so Connection needs no mutex.
type Connection struct {
	SocketID    SocketID
	UserID      string
	OrgID       string
	Roles       []string
	Permissions []string
	ConnectedAt time.Time
	Reconnect   bool

	lastActivity atomic.Int64 // unix nanos
	tokenExpiry  atomic.Int64 // unix nanos
}

func NewConnection(socketID SocketID, id Identity, at time.Time, reconnect bool) *Connection {
	c := &Connection{
		SocketID:    socketID,
		UserID:      id.UserID,
		OrgID:       id.OrgID,
		Roles:       id.Roles,
		Permissions: id.Permissions,
		ConnectedAt: at,
		Reconnect:   reconnect,
	}
	c.lastActivity.Store(at.UnixNano())
	c.tokenExpiry.Store(id.ExpiresAt.UnixNano())
	return c
}

// Touch records inbound activity. Called on every dispatched event,
// including ones that later fail.
func (c *Connection) Touch(at time.Time) {
	c.lastActivity.Store(at.UnixNano())
}

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// IdleSince reports how long the connection has been silent.
func (c *Connection) IdleSince(now time.Time) time.Duration {
	return now.Sub(c.LastActivity())
}

// SetTokenExpiry moves the credential horizon after a successful refresh.
func (c *Connection) SetTokenExpiry(at time.Time) {
	c.tokenExpiry.Store(at.UnixNano())
}

func (c *Connection) TokenExpiry() time.Time {
	return time.Unix(0, c.tokenExpiry.Load())
}

func (c *Connection) TokenExpired(now time.Time) bool {
	return now.After(c.TokenExpiry())
}

// HasPermission reports whether the token claims include perm.
func (c *Connection) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}
