package event

import (
	"crewlink/domain"
	"encoding/json"
	"time"
)

// Outbound payload shapes. Field names are protocol, snake_case on the wire.

type AckPayload struct {
	SocketID   domain.SocketID `json:"socket_id"`
	UserID     string          `json:"user_id"`
	ServerTime time.Time       `json:"server_time"`
	Resumed    bool            `json:"resumed"`
}

type TokenRefreshedPayload struct {
	AccessToken     string    `json:"access_token"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
	RefreshToken    string    `json:"refresh_token"`
}

type ChannelJoinedPayload struct {
	Channel     string        `json:"channel"`
	MemberCount int           `json:"member_count"`
	Members     []RosterEntry `json:"members,omitempty"`
}

type ChannelLeftPayload struct {
	Channel     string `json:"channel"`
	MemberCount int    `json:"member_count"`
}

type MembershipPayload struct {
	Channel     string `json:"channel"`
	UserID      string `json:"user_id"`
	MemberCount int    `json:"member_count"`
}

type ChatPayload struct {
	Channel   string    `json:"channel"`
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	Lang      string    `json:"lang,omitempty"`
	Censored  bool      `json:"censored,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

type TaskPayload struct {
	Channel   string         `json:"channel"`
	TaskID    string         `json:"task_id"`
	Action    string         `json:"action"`
	Changes   map[string]any `json:"changes,omitempty"`
	UpdatedBy string         `json:"updated_by"`
}

type CommandStartPayload struct {
	CommandID     string    `json:"command_id"`
	UserID        string    `json:"user_id"`
	Command       string    `json:"command,omitempty"`
	AffectedUsers []string  `json:"affected_users,omitempty"`
	StartedAt     time.Time `json:"started_at"`
}

type ProgressPayload struct {
	CommandID string `json:"command_id"`
	Stage     string `json:"stage"`
	Percent   int    `json:"percent"`
	Detail    string `json:"detail,omitempty"`
}

type CommandCompletePayload struct {
	CommandID   string          `json:"command_id"`
	Result      json.RawMessage `json:"result,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
	DurationMS  int64           `json:"duration_ms"`
}

type CommandErrorPayload struct {
	CommandID string    `json:"command_id"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	FailedAt  time.Time `json:"failed_at"`
}

type StatusPayload struct {
	UserID string                `json:"user_id"`
	Status domain.PresenceStatus `json:"status"`
	At     time.Time             `json:"at"`
}

type TypingPayload struct {
	Channel string `json:"channel"`
	UserID  string `json:"user_id"`
	Typing  bool   `json:"typing"`
}

type NotificationPayload struct {
	Kind  string `json:"kind"`
	Title string `json:"title"`
	Body  string `json:"body"`
	Ref   string `json:"ref,omitempty"`
}

type RosterEntry struct {
	UserID      string                `json:"user_id"`
	Status      domain.PresenceStatus `json:"status"`
	Connections int                   `json:"connections"`
}

type RosterPayload struct {
	Channel string        `json:"channel"`
	Members []RosterEntry `json:"members"`
}

type PongPayload struct {
	ServerTime time.Time `json:"server_time"`
}
