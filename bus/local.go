// Package bus carries envelopes between gateway nodes. The Kafka adapter
// is the real one; the local adapter gives single-node deployments and
// tests the same contract without a broker.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"crewlink/domain/event"
	"crewlink/errors"
)

const localBuffer = 1024

// Local is an in-process fan-out hub. Every consumer sees every published
// envelope, which matches the Kafka adapter's per-node consumer-group
// semantics. Two orchestrators sharing one Local simulate a cluster.
type Local struct {
	log    *slog.Logger
	mu     sync.Mutex
	subs   map[int]chan event.Envelope
	nextID int
	closed bool
}

func NewLocal(log *slog.Logger) *Local {
	return &Local{log: log, subs: make(map[int]chan event.Envelope)}
}

func (b *Local) Publish(_ context.Context, env event.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: bus closed", errors.ErrBusUnavailable)
	}
	for _, ch := range b.subs {
		select {
		case ch <- env:
		default:
			// A stalled consumer loses envelopes rather than stalling
			// publishers; replay covers the gap.
			b.log.Warn("Local bus subscriber full, dropping envelope",
				"room", env.Room, "type", env.Event.Type)
		}
	}
	return nil
}

func (b *Local) Consume(ctx context.Context, fn func(context.Context, event.Envelope)) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("%w: bus closed", errors.ErrBusUnavailable)
	}
	id := b.nextID
	b.nextID++
	ch := make(chan event.Envelope, localBuffer)
	b.subs[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-ch:
			fn(ctx, env)
		}
	}
}

func (b *Local) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
