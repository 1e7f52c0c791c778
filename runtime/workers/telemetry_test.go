package workers

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"crewlink/observability"
)

type captureEmitter struct {
	mu    sync.Mutex
	snaps []observability.Snapshot
	done  chan struct{}
	once  sync.Once
}

func (e *captureEmitter) Emit(_ context.Context, snap observability.Snapshot) error {
	e.mu.Lock()
	e.snaps = append(e.snaps, snap)
	e.mu.Unlock()
	e.once.Do(func() { close(e.done) })
	return nil
}

func (e *captureEmitter) latest() observability.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snaps[len(e.snaps)-1]
}

func TestTelemetry_FlushesGaugesToEmitters(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	metrics := observability.NewMetrics(log)
	metrics.IncEventsIn("chat_message")
	gauges := func() (int64, int, int) { return 3, 2, 1 }
	emitter := &captureEmitter{done: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := NewTelemetry(log, 20*time.Millisecond, metrics, gauges, emitter)
	stopped := make(chan struct{})
	var runErr error
	go func() {
		runErr = worker.Run(ctx)
		close(stopped)
	}()

	select {
	case <-emitter.done:
	case <-time.After(2 * time.Second):
		req.Fail("emitter never received a snapshot")
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(1 * time.Second):
		req.Fail("telemetry did not stop on cancellation")
	}
	req.NoError(runErr)

	snap := emitter.latest()
	req.Equal(int64(3), snap.Connections)
	req.Equal(2, snap.Users)
	req.Equal(1, snap.Channels)
	req.Equal(uint64(1), snap.EventsIn)
}
