package workers

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"crewlink/domain"
)

func TestHeartbeat_EvictsSilentConnections(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	// Given one connection silent for an hour and one still active
	stale := domain.NewConnection("s-stale", domain.Identity{UserID: "u-1"}, time.Now().Add(-time.Hour), false)
	fresh := domain.NewConnection("s-fresh", domain.Identity{UserID: "u-2"}, time.Now(), false)
	snapshot := func() []*domain.Connection {
		return []*domain.Connection{stale, fresh}
	}

	var mu sync.Mutex
	var evicted []domain.SocketID
	done := make(chan struct{})
	var once sync.Once
	evict := func(_ context.Context, socketID domain.SocketID) {
		mu.Lock()
		evicted = append(evicted, socketID)
		mu.Unlock()
		once.Do(func() { close(done) })
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := NewHeartbeat(log, 10*time.Millisecond, time.Minute, snapshot, evict)
	stopped := make(chan struct{})
	var runErr error
	go func() {
		runErr = worker.Run(ctx)
		close(stopped)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		req.Fail("silent connection was never evicted")
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(1 * time.Second):
		req.Fail("heartbeat did not stop on cancellation")
	}
	req.NoError(runErr)

	mu.Lock()
	defer mu.Unlock()
	req.NotEmpty(evicted)
	for _, id := range evicted {
		req.Equal(domain.SocketID("s-stale"), id)
	}
}
