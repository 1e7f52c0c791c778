package event

import "time"

// Inbound payload schemas. Validated by the router before the handler runs;
// the validate tags are the contract, a tag failure becomes a FieldError.

type PingRequest struct{}

type TokenRefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type JoinChannelRequest struct {
	Channel string `json:"channel" validate:"required,min=1,max=128"`
	// Since asks for a replay of the channel's recent events after this
	// instant, for clients resuming from a drop.
	Since *time.Time `json:"since,omitempty"`
}

type LeaveChannelRequest struct {
	Channel string `json:"channel" validate:"required,min=1,max=128"`
}

type ChatSendRequest struct {
	Channel   string `json:"channel" validate:"required,min=1,max=128"`
	Content   string `json:"content" validate:"required,max=4000"`
	MessageID string `json:"message_id,omitempty" validate:"omitempty,uuid4"`
}

type TaskUpdateRequest struct {
	Channel string         `json:"channel" validate:"required,min=1,max=128"`
	TaskID  string         `json:"task_id" validate:"required,max=64"`
	Action  string         `json:"action" validate:"required,oneof=created updated completed deleted assigned"`
	Changes map[string]any `json:"changes,omitempty"`
}

type TypingRequest struct {
	Channel string `json:"channel" validate:"required,min=1,max=128"`
	Typing  bool   `json:"typing"`
}

type StatusRequest struct {
	Status string `json:"status" validate:"required,oneof=online away busy dnd"`
}

type RosterRequest struct {
	Channel string `json:"channel" validate:"required,min=1,max=128"`
}

type CommandStartRequest struct {
	CommandID     string   `json:"command_id" validate:"required,min=1,max=64"`
	Command       string   `json:"command,omitempty" validate:"max=512"`
	AffectedUsers []string `json:"affected_users,omitempty" validate:"max=64,dive,required"`
}

type CommandProgressRequest struct {
	CommandID string `json:"command_id" validate:"required,min=1,max=64"`
	Stage     string `json:"stage" validate:"required,max=128"`
	Percent   int    `json:"percent" validate:"min=0,max=100"`
	Detail    string `json:"detail,omitempty" validate:"max=512"`
}

type CommandCompleteRequest struct {
	CommandID string         `json:"command_id" validate:"required,min=1,max=64"`
	Result    map[string]any `json:"result,omitempty"`
}

type CommandErrorRequest struct {
	CommandID string `json:"command_id" validate:"required,min=1,max=64"`
	Code      string `json:"code" validate:"required,max=64"`
	Message   string `json:"message" validate:"required,max=512"`
}

type CommandSubscribeRequest struct {
	CommandID string `json:"command_id" validate:"required,min=1,max=64"`
}
