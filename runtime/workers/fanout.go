package workers

import (
	"context"
	"log/slog"

	"crewlink/domain/event"
)

// Fanout drains the outbound queue and hands each entry to the delivery
// function: resolve the room's local sinks, append to the replay buffer,
// publish to the bus. Delivery is best-effort per sink; ordering per
// connection comes from each sink's own channel, not from here.
type Fanout struct {
	log     *slog.Logger
	queue   <-chan event.Outbound
	deliver func(ctx context.Context, out event.Outbound)
}

func NewFanout(log *slog.Logger, queue <-chan event.Outbound,
	deliver func(ctx context.Context, out event.Outbound)) *Fanout {
	return &Fanout{log: log, queue: queue, deliver: deliver}
}

func (w *Fanout) Run(ctx context.Context) error {
	w.log.Info("Starting fanout worker")
	for {
		select {
		case <-ctx.Done():
			w.drain(ctx)
			w.log.Debug("Context done, stopping fanout")
			return nil
		case out := <-w.queue:
			w.deliver(ctx, out)
		}
	}
}

// drain flushes what is already queued so a shutdown does not silently
// discard events handlers believed were sent.
func (w *Fanout) drain(ctx context.Context) {
	for {
		select {
		case out := <-w.queue:
			w.deliver(ctx, out)
		default:
			return
		}
	}
}
