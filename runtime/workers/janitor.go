package workers

import (
	"context"
	"log/slog"
	"time"
)

// Janitor evicts expired terminal command executions. Records become
// eligible EXECUTION_TTL after completion; this sweep is what actually
// frees them, so nothing outlives the TTL by more than one interval.
type Janitor struct {
	log      *slog.Logger
	interval time.Duration
	sweep    func(now time.Time) int
}

func NewJanitor(log *slog.Logger, interval time.Duration, sweep func(now time.Time) int) *Janitor {
	return &Janitor{log: log, interval: interval, sweep: sweep}
}

func (w *Janitor) Run(ctx context.Context) error {
	w.log.Info("Starting janitor worker", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Context done, stopping janitor")
			return nil
		case <-ticker.C:
			if n := w.sweep(time.Now()); n > 0 {
				w.log.Debug("Expired executions evicted", "count", n)
			}
		}
	}
}
