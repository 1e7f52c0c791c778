package ws

import (
	"context"
	"sync"

	"crewlink/contract"
	"crewlink/domain"
	"crewlink/domain/event"
	"crewlink/errors"
)

// Sink is the buffered outbound side of one socket. The fan-out worker
// feeds it, the write pump drains it. Consume never blocks: a full buffer
// means the client stopped reading, and the caller reacts by dropping the
// connection rather than stalling everyone else's delivery.
type Sink struct {
	id     domain.SocketID
	events chan event.Event
	done   chan struct{}
	once   sync.Once
}

var _ contract.EventSink = (*Sink)(nil)

func NewSink(id domain.SocketID, buffer int) *Sink {
	return &Sink{
		id:     id,
		events: make(chan event.Event, buffer),
		done:   make(chan struct{}),
	}
}

func (s *Sink) ID() domain.SocketID { return s.id }

// Consume queues one event for the write pump. Closed or full both fail
// with ErrQueueFull; either way the event cannot reach this client.
func (s *Sink) Consume(_ context.Context, e event.Event) error {
	select {
	case <-s.done:
		return errors.ErrQueueFull
	default:
	}
	select {
	case s.events <- e:
		return nil
	default:
		return errors.ErrQueueFull
	}
}

// Close wakes the write pump. Idempotent; the events channel is never
// closed so late Consume calls fail instead of panicking.
func (s *Sink) Close() {
	s.once.Do(func() { close(s.done) })
}

// Events is the write pump's feed.
func (s *Sink) Events() <-chan event.Event { return s.events }

// Done signals the pump to send the close frame and exit.
func (s *Sink) Done() <-chan struct{} { return s.done }
