package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"crewlink/domain/event"
	"crewlink/errors"
)

const (
	publishTimeout = 5 * time.Second
	readBackoff    = time.Second
)

// Kafka distributes envelopes through one topic. Messages are keyed by
// room, so the hash balancer keeps each room on one partition and its
// events in publish order. Every node reads with its own consumer group:
// each envelope reaches every node, at-least-once.
type Kafka struct {
	log    *slog.Logger
	writer *kafka.Writer
	reader *kafka.Reader
}

func NewKafka(log *slog.Logger, brokers []string, topic, nodeID string) *Kafka {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        "crewlink." + nodeID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		CommitInterval: time.Second,
	})
	return &Kafka{log: log, writer: writer, reader: reader}
}

func (b *Kafka) Publish(ctx context.Context, env event.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := b.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(env.Room),
		Value: payload,
	}); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrBusUnavailable, err)
	}
	return nil
}

func (b *Kafka) Consume(ctx context.Context, fn func(context.Context, event.Envelope)) error {
	for {
		msg, err := b.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.log.Warn("Bus read failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(readBackoff):
			}
			continue
		}

		var env event.Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			b.log.Warn("Undecodable envelope skipped",
				"partition", msg.Partition, "offset", msg.Offset, "error", err)
			continue
		}
		fn(ctx, env)
	}
}

func (b *Kafka) Close() error {
	werr := b.writer.Close()
	rerr := b.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
