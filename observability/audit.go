package observability

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"crewlink/domain"
)

const auditKept = 100

// AuditLog writes security decisions to the structured log and keeps a
// bounded in-memory tail for /statsz. It never blocks the caller beyond
// a map append.
type AuditLog struct {
	log    *slog.Logger
	mu     sync.Mutex
	recent []domain.AuditEntry
	total  atomic.Uint64
}

func NewAuditLog(log *slog.Logger) *AuditLog {
	return &AuditLog{
		log:    log,
		recent: make([]domain.AuditEntry, 0, auditKept),
	}
}

func (a *AuditLog) Record(_ context.Context, entry domain.AuditEntry) {
	a.total.Add(1)
	a.log.Warn("Audit",
		"outcome", entry.Outcome,
		"action", entry.Action,
		"userID", entry.UserID,
		"socketID", entry.SocketID,
		"detail", entry.Detail,
	)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.recent = append(a.recent, entry)
	if len(a.recent) > auditKept {
		a.recent = a.recent[len(a.recent)-auditKept:]
	}
}

// Recent returns a copy of the retained tail, newest last.
func (a *AuditLog) Recent() []domain.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.AuditEntry, len(a.recent))
	copy(out, a.recent)
	return out
}

func (a *AuditLog) Total() uint64 {
	return a.total.Load()
}
