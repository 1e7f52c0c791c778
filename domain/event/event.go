// Package event defines the wire protocol spoken over the websocket: the
// inbound frame, the outbound event envelope, and the envelope wrapping
// events for the fan-out bus and the replay buffer.
package event

import (
	"crewlink/domain"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Name tags an event. The constants below are the protocol; clients switch
// on them.
type Name string

// Inbound (client to gateway).
const (
	Ping            Name = "ping"
	TokenRefresh    Name = "token_refresh"
	JoinChannel     Name = "join_channel"
	LeaveChannel    Name = "leave_channel"
	StatusUpdate    Name = "status_update"
	ChannelRoster   Name = "channel_roster"
	CommandProgress Name = "command_progress"
	CommandSub      Name = "command_subscribe"
)

// Both directions: a client sends them, the gateway broadcasts them.
const (
	ChatMessage     Name = "chat_message"
	TaskUpdate      Name = "task_update"
	TypingIndicator Name = "typing_indicator"
	CommandStart    Name = "command_start"
	CommandComplete Name = "command_complete"
	CommandError    Name = "command_error"
)

// Outbound (gateway to client).
const (
	ConnectionAck     Name = "connection_ack"
	TokenRefreshed    Name = "token_refreshed"
	ChannelJoined     Name = "channel_joined"
	ChannelLeft       Name = "channel_left"
	UserJoinedChannel Name = "user_joined_channel"
	UserLeftChannel   Name = "user_left_channel"
	ProgressUpdate    Name = "progress_update"
	UserStatusUpdate  Name = "user_status_update"
	Notification      Name = "notification"
	Error             Name = "error"
	Pong              Name = "pong"
)

// Frame is what a client writes on the socket. Payload stays raw until the
// router picks the schema for the type.
type Frame struct {
	Type      Name            `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Event is what the gateway writes on the socket.
type Event struct {
	ID           string    `json:"event_id"`
	Type         Name      `json:"type"`
	RequestID    string    `json:"request_id,omitempty"`
	Payload      any       `json:"payload,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	OriginUserID string    `json:"origin_user_id,omitempty"`
}

// New builds an outbound event with a fresh id and the given payload.
func New(t Name, payload any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// From builds an outbound event attributed to the user who caused it.
func From(t Name, originUserID string, payload any) Event {
	e := New(t, payload)
	e.OriginUserID = originUserID
	return e
}

// Reply builds a direct response correlated to an inbound frame.
func Reply(t Name, requestID string, payload any) Event {
	e := New(t, payload)
	e.RequestID = requestID
	return e
}

// Envelope wraps an event with routing for the bus and the replay buffer.
// OriginNode lets consumers skip envelopes they produced themselves; their
// local delivery already happened before publish.
type Envelope struct {
	EnvelopeID  string        `json:"envelope_id"`
	Room        domain.RoomID `json:"room"`
	OriginNode  string        `json:"origin_node"`
	PublishedAt time.Time     `json:"published_at"`
	Event       Event         `json:"event"`
}

// Wrap prepares an event for cross-node distribution.
func Wrap(room domain.RoomID, node string, evt Event) Envelope {
	return Envelope{
		EnvelopeID:  uuid.New().String(),
		Room:        room,
		OriginNode:  node,
		PublishedAt: time.Now().UTC(),
		Event:       evt,
	}
}

// Outbound is an event queued for fan-out to a room's sinks. ExcludeUser
// skips that user's connections where resolution knows them (typing echo
// suppression). FromBus marks envelopes received from another node, which
// are delivered locally and never published back.
type Outbound struct {
	Room        domain.RoomID
	Event       Event
	ExcludeUser string
	FromBus     bool
}

// DecodePayload recovers the typed payload of an event. Locally built
// events carry the struct itself; events that crossed the bus carry the
// JSON-decoded map, so those take the marshal round trip.
func DecodePayload[T any](e Event) (T, bool) {
	if p, ok := e.Payload.(T); ok {
		return p, true
	}
	var out T
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return out, false
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false
	}
	return out, true
}
