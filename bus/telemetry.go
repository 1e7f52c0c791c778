package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"crewlink/observability"
)

// TelemetryProducer writes metric snapshots to a Kafka topic for the
// ops pipeline. Best-effort: a snapshot that cannot be written is gone.
type TelemetryProducer struct {
	log    *slog.Logger
	writer *kafka.Writer
	node   string
}

func NewTelemetryProducer(log *slog.Logger, brokers []string, topic, nodeID string) *TelemetryProducer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &TelemetryProducer{log: log, writer: writer, node: nodeID}
}

func (p *TelemetryProducer) Emit(ctx context.Context, snap observability.Snapshot) error {
	payload, err := json.Marshal(struct {
		Node string `json:"node"`
		observability.Snapshot
	}{Node: p.node, Snapshot: snap})
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return p.writer.WriteMessages(writeCtx, kafka.Message{Value: payload})
}

func (p *TelemetryProducer) Close() error {
	return p.writer.Close()
}
