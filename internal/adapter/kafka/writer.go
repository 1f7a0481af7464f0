package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/rainwatch/internal/config"
	"github.com/couchcryptid/rainwatch/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// Writer publishes normalized observations to a Kafka topic.
// It implements pipeline.Exporter.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured observation topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaObservationTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// Export publishes one cycle's observations in a single WriteMessages call.
// Messages are keyed by site so each site's history stays on one partition.
func (w *Writer) Export(ctx context.Context, cycleID string, observations []domain.Observation) error {
	if len(observations) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(observations))
	for i := range observations {
		msg, err := serializeToMessage(cycleID, observations[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d observations: %w", len(msgs), err)
	}
	w.logger.Debug("observations exported", "topic", w.writer.Topic, "count", len(msgs), "cycle_id", cycleID)
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals an Observation into a Kafka message.
func serializeToMessage(cycleID string, obs domain.Observation) (kafkago.Message, error) {
	data, err := json.Marshal(obs)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize observation: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(obs.SiteName),
		Value: data,
		Time:  obs.Timestamp,
		Headers: []kafkago.Header{
			{Key: "cycle_id", Value: []byte(cycleID)},
			{Key: "provider", Value: []byte(obs.Provider)},
			{Key: "observed_at", Value: []byte(obs.Timestamp.Format(time.RFC3339))},
		},
	}, nil
}
