package runtime

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"crewlink/domain"
	"crewlink/errors"
)

// Executions tracks voice command lifecycles. The outer mutex only guards
// the map; each entry carries its own lock, so concurrent operations on
// one commandID serialize against each other without stalling the rest.
type Executions struct {
	log     *slog.Logger
	ttl     time.Duration
	now     func() time.Time
	mu      sync.Mutex
	entries map[string]*executionEntry
}

type executionEntry struct {
	mu          sync.Mutex
	rec         domain.Execution
	subscribers map[domain.SocketID]struct{}
}

// StartCommand carries everything needed to open an execution.
type StartCommand struct {
	CommandID     string
	UserID        string
	OrgID         string
	Command       string
	AffectedUsers []string
	SocketID      domain.SocketID
}

func NewExecutions(log *slog.Logger, ttl time.Duration) *Executions {
	return &Executions{
		log:     log,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*executionEntry),
	}
}

// WithClock replaces the time source. Test hook.
func (x *Executions) WithClock(now func() time.Time) *Executions {
	x.now = now
	return x
}

// Start opens a PENDING execution. Idempotent on CommandID: a duplicate
// start returns the existing record untouched and started=false, so the
// caller knows not to broadcast a second command_start.
func (x *Executions) Start(cmd StartCommand) (domain.Execution, bool) {
	affected := lo.Uniq(lo.Filter(cmd.AffectedUsers, func(u string, _ int) bool {
		return u != "" && u != cmd.UserID
	}))

	x.mu.Lock()
	if entry, ok := x.entries[cmd.CommandID]; ok {
		x.mu.Unlock()
		entry.mu.Lock()
		rec := entry.rec
		entry.mu.Unlock()
		return rec, false
	}

	now := x.now()
	entry := &executionEntry{
		rec: domain.Execution{
			CommandID:     cmd.CommandID,
			UserID:        cmd.UserID,
			OrgID:         cmd.OrgID,
			Command:       cmd.Command,
			AffectedUsers: affected,
			State:         domain.StatePending,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		subscribers: make(map[domain.SocketID]struct{}, 1),
	}
	// The initiating socket follows progress without an explicit subscribe.
	if cmd.SocketID != "" {
		entry.subscribers[cmd.SocketID] = struct{}{}
	}
	x.entries[cmd.CommandID] = entry
	x.mu.Unlock()

	return entry.rec, true
}

// Progress moves PENDING to PROCESSING on the first update and records the
// stage. Unknown or terminal commands return the taxonomy error; the
// caller logs and swallows it instead of surfacing an error event.
func (x *Executions) Progress(commandID, stage string, percent int, detail string) (domain.Execution, error) {
	entry, ok := x.lookup(commandID)
	if !ok {
		return domain.Execution{}, fmt.Errorf("%w: %q", errors.ErrUnknownCommand, commandID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.rec.State.CanTransitionTo(domain.StateProcessing) {
		return domain.Execution{}, fmt.Errorf("%w: %q is %s", errors.ErrTerminalState, commandID, entry.rec.State)
	}
	entry.rec.State = domain.StateProcessing
	entry.rec.Stage = stage
	entry.rec.Percent = percent
	entry.rec.UpdatedAt = x.now()
	_ = detail // carried on the wire, not retained in the record
	return entry.rec, nil
}

// Complete transitions to COMPLETED, freezes the record, and starts the
// retention clock.
func (x *Executions) Complete(commandID string, result json.RawMessage) (domain.Execution, error) {
	return x.finish(commandID, domain.StateCompleted, result, nil)
}

// Fail transitions to FAILED with the pipeline's error.
func (x *Executions) Fail(commandID, code, message string) (domain.Execution, error) {
	return x.finish(commandID, domain.StateFailed, nil, &domain.CommandFailure{Code: code, Message: message})
}

func (x *Executions) finish(commandID string, state domain.CommandState,
	result json.RawMessage, failure *domain.CommandFailure) (domain.Execution, error) {
	entry, ok := x.lookup(commandID)
	if !ok {
		return domain.Execution{}, fmt.Errorf("%w: %q", errors.ErrUnknownCommand, commandID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.rec.State.CanTransitionTo(state) {
		return domain.Execution{}, fmt.Errorf("%w: %q is %s", errors.ErrTerminalState, commandID, entry.rec.State)
	}
	now := x.now()
	entry.rec.State = state
	entry.rec.Result = result
	entry.rec.Failure = failure
	entry.rec.UpdatedAt = now
	entry.rec.ExpiresAt = now.Add(x.ttl)
	if state == domain.StateCompleted {
		entry.rec.Percent = 100
	}
	return entry.rec, nil
}

// Get returns a copy of the record.
func (x *Executions) Get(commandID string) (domain.Execution, bool) {
	entry, ok := x.lookup(commandID)
	if !ok {
		return domain.Execution{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.rec, true
}

// Subscribe adds a socket to the command's progress audience.
func (x *Executions) Subscribe(commandID string, socketID domain.SocketID) error {
	entry, ok := x.lookup(commandID)
	if !ok {
		return fmt.Errorf("%w: %q", errors.ErrUnknownCommand, commandID)
	}
	entry.mu.Lock()
	entry.subscribers[socketID] = struct{}{}
	entry.mu.Unlock()
	return nil
}

// Subscribers lists the sockets following a command.
func (x *Executions) Subscribers(commandID string) []domain.SocketID {
	entry, ok := x.lookup(commandID)
	if !ok {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	subs := make([]domain.SocketID, 0, len(entry.subscribers))
	for id := range entry.subscribers {
		subs = append(subs, id)
	}
	return subs
}

// DropSocket removes a disconnected socket from every audience.
func (x *Executions) DropSocket(socketID domain.SocketID) {
	x.mu.Lock()
	entries := make([]*executionEntry, 0, len(x.entries))
	for _, entry := range x.entries {
		entries = append(entries, entry)
	}
	x.mu.Unlock()

	for _, entry := range entries {
		entry.mu.Lock()
		delete(entry.subscribers, socketID)
		entry.mu.Unlock()
	}
}

// Sweep evicts terminal records past their retention window. Returns the
// number evicted; the janitor worker logs it.
func (x *Executions) Sweep(now time.Time) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	evicted := 0
	for id, entry := range x.entries {
		entry.mu.Lock()
		expired := entry.rec.State.Terminal() && now.After(entry.rec.ExpiresAt)
		entry.mu.Unlock()
		if expired {
			delete(x.entries, id)
			evicted++
		}
	}
	return evicted
}

func (x *Executions) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.entries)
}

func (x *Executions) lookup(commandID string) (*executionEntry, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	entry, ok := x.entries[commandID]
	return entry, ok
}
