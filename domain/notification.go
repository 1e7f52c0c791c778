package domain

import "time"

// Notification is handed to the dispatcher for users who cannot be reached
// through a live socket. How it lands (push, email, digest) is the
// dispatcher's concern.
type Notification struct {
	UserID string    `json:"user_id"`
	Kind   string    `json:"kind"`
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	Ref    string    `json:"ref,omitempty"`
	At     time.Time `json:"at"`
}

// ChatRecord is the persistence-facing shape of a delivered chat message.
type ChatRecord struct {
	MessageID string
	Channel   string
	UserID    string
	OrgID     string
	Content   string
	Lang      string
	SentAt    time.Time
}
