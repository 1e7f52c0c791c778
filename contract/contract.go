//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"reflect"
	"time"

	"crewlink/domain"
	"crewlink/domain/event"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker doesn't protect itself. The supervisor recovers its panics and
// restarts it; a nil return means it finished for good.
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker,
// for logging and supervision, so workers don't carry a name themselves.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// EventSink is one connection's outbound side. Consume must not block
// beyond ctx; a sink that cannot keep up reports it through its overflow
// policy, not by stalling the fan-out.
type EventSink interface {
	ID() domain.SocketID
	Consume(ctx context.Context, e event.Event) error
	Close()
}

// Bus distributes envelopes between gateway nodes. Publish is best-effort
// at-least-once; Consume blocks until ctx is done, invoking fn for every
// envelope seen, including duplicates.
type Bus interface {
	Publish(ctx context.Context, env event.Envelope) error
	Consume(ctx context.Context, fn func(context.Context, event.Envelope)) error
	Close() error
}

// ReplayBuffer retains recently broadcast envelopes per room for the
// late-subscriber window. Entries expire on their own; Store never blocks
// delivery.
type ReplayBuffer interface {
	Store(ctx context.Context, env event.Envelope) error
	EventsSince(ctx context.Context, room domain.RoomID, since time.Time, limit int) ([]event.Envelope, error)
}

// Authorizer is the external policy engine. The gateway asks, never decides.
type Authorizer interface {
	CanAccessChannel(ctx context.Context, userID, channel string) (bool, error)
	// RequiredPermissions returns the permission set an action demands.
	// An empty set means unrestricted; the router compares it against the
	// connection's token claims.
	RequiredPermissions(action string) []string
}

// UserDirectory is the slice of the persistence service the gateway needs
// for credentials and liveness bookkeeping.
type UserDirectory interface {
	CredentialsByEmail(ctx context.Context, email string) (UserCredential, error)
	UserActive(ctx context.Context, userID string) (bool, error)
	TouchLastActive(ctx context.Context, userID string, at time.Time) error
}

// MembershipDirectory lists the channels a user is persisted as belonging
// to, used to rebuild subscriptions on reconnect.
type MembershipDirectory interface {
	ChannelsOf(ctx context.Context, userID string) ([]string, error)
}

// MessageStore receives delivered chat messages for long-term persistence.
// Failures are logged as transient; delivery has already happened.
type MessageStore interface {
	StoreMessage(ctx context.Context, rec domain.ChatRecord) error
}

// NotificationDispatcher reaches users who have no live socket.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, n domain.Notification) error
}

// RateLimiter throttles inbound events per user and action. The duration
// is the retry-after hint surfaced to the client on denial.
type RateLimiter interface {
	Allow(userID, action string) (bool, time.Duration)
}

// AuditSink records security-relevant outcomes. Fire and forget.
type AuditSink interface {
	Record(ctx context.Context, entry domain.AuditEntry)
}

// UserCredential is what the directory stores about a login.
type UserCredential struct {
	UserID       string
	OrgID        string
	Email        string
	PasswordHash string
	Roles        []string
	Permissions  []string
	Active       bool
}
