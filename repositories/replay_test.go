package repositories

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"crewlink/domain"
	"crewlink/domain/event"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).
		WithLoggingLevel(badger.ERROR).
		WithValueLogFileSize(16 << 20))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testEnvelope(room domain.RoomID, eventID string, at time.Time) event.Envelope {
	return event.Envelope{
		EnvelopeID:  "env-" + eventID,
		Room:        room,
		OriginNode:  "node-1",
		PublishedAt: at,
		Event: event.Event{
			ID:        eventID,
			Type:      event.ChatMessage,
			Timestamp: at,
		},
	}
}

func TestReplayBuffer_WindowIsChronologicalAndScoped(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	buffer := NewReplayBuffer(openTestDB(t), log, time.Hour)

	base := time.Now()
	general := domain.ChannelRoom("general")
	ops := domain.ChannelRoom("ops")

	// Stored out of order on purpose
	req.NoError(buffer.Store(ctx, testEnvelope(general, "e-2", base.Add(1*time.Second))))
	req.NoError(buffer.Store(ctx, testEnvelope(general, "e-1", base)))
	req.NoError(buffer.Store(ctx, testEnvelope(general, "e-3", base.Add(2*time.Second))))
	req.NoError(buffer.Store(ctx, testEnvelope(ops, "e-9", base)))

	envs, err := buffer.EventsSince(ctx, general, base.Add(-time.Second), 10)
	req.NoError(err)
	req.Len(envs, 3)
	req.Equal("e-1", envs[0].Event.ID)
	req.Equal("e-2", envs[1].Event.ID)
	req.Equal("e-3", envs[2].Event.ID)

	// A later cursor narrows the window
	envs, err = buffer.EventsSince(ctx, general, base.Add(500*time.Millisecond), 10)
	req.NoError(err)
	req.Len(envs, 2)
	req.Equal("e-2", envs[0].Event.ID)

	// Other rooms never bleed in
	envs, err = buffer.EventsSince(ctx, ops, base.Add(-time.Second), 10)
	req.NoError(err)
	req.Len(envs, 1)
	req.Equal("e-9", envs[0].Event.ID)
}

func TestReplayBuffer_LimitCapsTheWindow(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	buffer := NewReplayBuffer(openTestDB(t), log, time.Hour)

	base := time.Now()
	room := domain.ChannelRoom("general")
	for i := 0; i < 5; i++ {
		env := testEnvelope(room, string(rune('a'+i)), base.Add(time.Duration(i)*time.Second))
		req.NoError(buffer.Store(ctx, env))
	}

	envs, err := buffer.EventsSince(ctx, room, base.Add(-time.Second), 2)
	req.NoError(err)
	req.Len(envs, 2)
	// The cap keeps the oldest end of the window
	req.Equal("a", envs[0].Event.ID)
	req.Equal("b", envs[1].Event.ID)
}

func TestReplayBuffer_RedeliveredEnvelopeLandsOnce(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	buffer := NewReplayBuffer(openTestDB(t), log, time.Hour)

	room := domain.ChannelRoom("general")
	env := testEnvelope(room, "e-1", time.Now())

	// The bus is at-least-once; the same envelope may be stored twice
	req.NoError(buffer.Store(ctx, env))
	req.NoError(buffer.Store(ctx, env))

	envs, err := buffer.EventsSince(ctx, room, env.PublishedAt.Add(-time.Second), 10)
	req.NoError(err)
	req.Len(envs, 1)
}
