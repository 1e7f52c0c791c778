package ws

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"crewlink/domain/event"
	"crewlink/errors"
)

func TestSink_OverflowFailsInsteadOfBlocking(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	sink := NewSink("s-1", 2)

	req.NoError(sink.Consume(ctx, event.New(event.ChatMessage, nil)))
	req.NoError(sink.Consume(ctx, event.New(event.ChatMessage, nil)))

	// A full buffer means the client stopped reading
	req.ErrorIs(sink.Consume(ctx, event.New(event.ChatMessage, nil)), errors.ErrQueueFull)

	// Draining one slot makes room again
	<-sink.Events()
	req.NoError(sink.Consume(ctx, event.New(event.ChatMessage, nil)))
}

func TestSink_CloseIsIdempotentAndFinal(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	sink := NewSink("s-1", 8)

	sink.Close()
	sink.Close()

	select {
	case <-sink.Done():
	default:
		req.Fail("done channel should be closed")
	}

	// Late deliveries fail instead of panicking on a closed channel
	req.ErrorIs(sink.Consume(ctx, event.New(event.ChatMessage, nil)), errors.ErrQueueFull)
}

func TestSink_PreservesDeliveryOrder(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	sink := NewSink("s-1", 8)

	first := event.New(event.ChatMessage, nil)
	second := event.New(event.TypingIndicator, nil)
	req.NoError(sink.Consume(ctx, first))
	req.NoError(sink.Consume(ctx, second))

	req.Equal(first.ID, (<-sink.Events()).ID)
	req.Equal(second.ID, (<-sink.Events()).ID)
}
