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
	"crewlink/domain/event"
)

func TestFanout_DeliversQueuedEvents(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	queue := make(chan event.Outbound, 8)
	done := make(chan struct{})
	var mu sync.Mutex
	var rooms []domain.RoomID
	deliver := func(_ context.Context, out event.Outbound) {
		mu.Lock()
		rooms = append(rooms, out.Room)
		if len(rooms) == 2 {
			close(done)
		}
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := NewFanout(log, queue, deliver)
	stopped := make(chan struct{})
	var runErr error
	go func() {
		runErr = worker.Run(ctx)
		close(stopped)
	}()

	// When two events are enqueued
	queue <- event.Outbound{Room: domain.ChannelRoom("general")}
	queue <- event.Outbound{Room: domain.UserRoom("u-1")}

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		req.Fail("events were not delivered in time")
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(1 * time.Second):
		req.Fail("fanout did not stop on cancellation")
	}
	req.NoError(runErr)

	mu.Lock()
	defer mu.Unlock()
	req.Equal([]domain.RoomID{domain.ChannelRoom("general"), domain.UserRoom("u-1")}, rooms)
}

func TestFanout_DrainsQueueOnShutdown(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	// Given three events queued behind an already-canceled context
	queue := make(chan event.Outbound, 8)
	queue <- event.Outbound{Room: domain.ChannelRoom("a")}
	queue <- event.Outbound{Room: domain.ChannelRoom("b")}
	queue <- event.Outbound{Room: domain.ChannelRoom("c")}

	delivered := 0
	deliver := func(context.Context, event.Outbound) { delivered++ }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// When the worker runs, it flushes the backlog before returning
	req.NoError(NewFanout(log, queue, deliver).Run(ctx))
	req.Equal(3, delivered)
}
