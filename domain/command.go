package domain

import (
	"encoding/json"
	"time"
)

// CommandState is the lifecycle phase of a voice command execution.
type CommandState string

const (
	StatePending    CommandState = "PENDING"
	StateProcessing CommandState = "PROCESSING"
	StateCompleted  CommandState = "COMPLETED"
	StateFailed     CommandState = "FAILED"
)

func (s CommandState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransitionTo reports whether next is a legal successor of s.
// A command may complete or fail straight from PENDING: fast executions
// skip the PROCESSING hop. Terminal states accept nothing.
func (s CommandState) CanTransitionTo(next CommandState) bool {
	switch s {
	case StatePending:
		return next == StateProcessing || next == StateCompleted || next == StateFailed
	case StateProcessing:
		return next == StateProcessing || next == StateCompleted || next == StateFailed
	default:
		return false
	}
}

// CommandFailure describes why an execution ended in FAILED.
type CommandFailure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Execution is one voice command's lifecycle record. The store serializes
// all mutations per CommandID; terminal records are immutable and evicted
// after their retention window.
type Execution struct {
	CommandID     string
	UserID        string
	OrgID         string
	Command       string
	AffectedUsers []string
	State         CommandState
	Stage         string
	Percent       int
	Result        json.RawMessage
	Failure       *CommandFailure
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     time.Time
}

// Duration reports wall time from start to the last update.
func (e Execution) Duration() time.Duration {
	return e.UpdatedAt.Sub(e.CreatedAt)
}
