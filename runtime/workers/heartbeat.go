package workers

import (
	"context"
	"log/slog"
	"time"

	"crewlink/domain"
)

// Heartbeat sweeps the registry on a fixed interval and evicts
// connections that have been silent past the inactivity timeout. Any
// inbound event refreshes a connection's activity clock, so a quiet but
// dispatching client never trips this.
type Heartbeat struct {
	log      *slog.Logger
	interval time.Duration
	timeout  time.Duration
	snapshot func() []*domain.Connection
	evict    func(ctx context.Context, socketID domain.SocketID)
}

func NewHeartbeat(log *slog.Logger, interval, timeout time.Duration,
	snapshot func() []*domain.Connection,
	evict func(ctx context.Context, socketID domain.SocketID)) *Heartbeat {
	return &Heartbeat{
		log:      log,
		interval: interval,
		timeout:  timeout,
		snapshot: snapshot,
		evict:    evict,
	}
}

func (w *Heartbeat) Run(ctx context.Context) error {
	w.log.Info("Starting heartbeat worker", "interval", w.interval, "timeout", w.timeout)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Context done, stopping heartbeat")
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Heartbeat) sweep(ctx context.Context) {
	now := time.Now()
	evicted := 0
	for _, conn := range w.snapshot() {
		if conn.IdleSince(now) <= w.timeout {
			continue
		}
		w.log.Info("Evicting inactive connection",
			"socketID", conn.SocketID, "userID", conn.UserID,
			"idle", conn.IdleSince(now).Round(time.Second))
		w.evict(ctx, conn.SocketID)
		evicted++
	}
	if evicted > 0 {
		w.log.Info("Liveness sweep finished", "evicted", evicted)
	}
}
