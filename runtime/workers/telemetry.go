package workers

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"

	"crewlink/observability"
)

// SnapshotEmitter pushes a flushed snapshot somewhere external. The Kafka
// telemetry topic is one; tests plug fakes.
type SnapshotEmitter interface {
	Emit(ctx context.Context, snap observability.Snapshot) error
}

// Telemetry flushes the metrics on a fixed interval: population gauges
// from the registry, self stats (RSS, CPU, status) via gopsutil, then the
// snapshot to the log and every emitter. Emitters are best-effort.
type Telemetry struct {
	log      *slog.Logger
	interval time.Duration
	metrics  *observability.Metrics
	gauges   func() (connections int64, users, channels int)
	emitters []SnapshotEmitter
}

func NewTelemetry(log *slog.Logger, interval time.Duration, metrics *observability.Metrics,
	gauges func() (int64, int, int), emitters ...SnapshotEmitter) *Telemetry {
	return &Telemetry{
		log:      log,
		interval: interval,
		metrics:  metrics,
		gauges:   gauges,
		emitters: emitters,
	}
}

func (w *Telemetry) Run(ctx context.Context) error {
	w.log.Info("Starting telemetry worker", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Context done, stopping telemetry")
			return nil
		case <-ticker.C:
			w.flush(ctx, p)
		}
	}
}

func (w *Telemetry) flush(ctx context.Context, p *process.Process) {
	if rss, cpu, status, err := selfStats(p); err != nil {
		w.log.Warn("Failed to collect self stats", "error", err)
	} else {
		w.metrics.SetProcess(rss/1024/1024, cpu, status)
	}

	connections, users, channels := w.gauges()
	w.metrics.SetGauges(connections, users, channels)

	snap := w.metrics.Flush()
	w.log.Info("Telemetry",
		"connections", snap.Connections,
		"users", snap.Users,
		"channels", snap.Channels,
		"events_in_per_s", snap.EventsInRate,
		"events_out_per_s", snap.EventsOutRate,
		"dropped", snap.Dropped,
		"errors", snap.Errors,
		"rss_mb", snap.ProcessRSSMb,
		"cpu_pct", snap.ProcessCPU,
	)

	for _, emitter := range w.emitters {
		if err := emitter.Emit(ctx, snap); err != nil {
			w.log.Warn("Telemetry emit failed", "error", err)
		}
	}
}

// selfStats retrieves technical metrics (memory, CPU, and OS status) for
// the given process.
func selfStats(p *process.Process) (uint64, float64, string, error) {
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, "", err
	}

	cpuPercent, err := p.CPUPercent()
	if err != nil {
		return 0, 0, "", err
	}

	status, err := p.Status()
	if err != nil {
		return 0, 0, "", err
	}
	return memInfo.RSS, cpuPercent, status, nil
}
