package workers

import (
	"context"
	"log/slog"

	"crewlink/contract"
	"crewlink/domain/event"
)

// Consumer feeds envelopes from the bus into the local delivery path.
// The handler is expected to skip envelopes this node published itself;
// duplicates beyond that are the bus's at-least-once contract and are
// delivered as-is.
type Consumer struct {
	log    *slog.Logger
	bus    contract.Bus
	handle func(ctx context.Context, env event.Envelope)
}

func NewConsumer(log *slog.Logger, bus contract.Bus,
	handle func(ctx context.Context, env event.Envelope)) *Consumer {
	return &Consumer{log: log, bus: bus, handle: handle}
}

func (w *Consumer) Run(ctx context.Context) error {
	w.log.Info("Starting bus consumer worker")
	err := w.bus.Consume(ctx, w.handle)
	if ctx.Err() != nil {
		w.log.Debug("Context done, stopping bus consumer")
		return nil
	}
	return err
}
