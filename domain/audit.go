package domain

import "time"

// AuditEntry records a security-relevant decision: failed authentication,
// authorization denial, rate limiting. Recording is fire-and-forget and
// must never slow down or fail the event that triggered it.
type AuditEntry struct {
	At       time.Time
	UserID   string
	SocketID SocketID
	Action   string
	Outcome  string
	Detail   string
}

const (
	AuditDenied      = "denied"
	AuditRejected    = "rejected"
	AuditRateLimited = "rate_limited"
	AuditEvicted     = "evicted"
)
