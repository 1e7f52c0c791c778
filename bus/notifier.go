package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"crewlink/domain"
)

// KafkaNotifier hands offline-user notifications to the delivery service
// through a Kafka topic, keyed by user so one user's notifications stay
// ordered.
type KafkaNotifier struct {
	log    *slog.Logger
	writer *kafka.Writer
}

func NewKafkaNotifier(log *slog.Logger, brokers []string, topic string) *KafkaNotifier {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaNotifier{log: log, writer: writer}
}

func (n *KafkaNotifier) Dispatch(ctx context.Context, notif domain.Notification) error {
	payload, err := json.Marshal(notif)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return n.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(notif.UserID),
		Value: payload,
	})
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

// LogNotifier is the brokerless fallback: it records the notification in
// the structured log and nothing else. Dev and single-node setups.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Dispatch(_ context.Context, notif domain.Notification) error {
	n.log.Info("Notification",
		"userID", notif.UserID, "kind", notif.Kind, "title", notif.Title, "ref", notif.Ref)
	return nil
}
