package ingest

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"

	"helmguard/internal/config"
)

// StartKafka consumes bridged payloads from sites that forward helmet
// traffic through a broker instead of speaking NATS directly.
func StartKafka(ctx context.Context, cfg *config.Manager, out chan<- Message, logger *slog.Logger, drops *prometheus.CounterVec) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				continue
			}
			obj, err := ParseLine(string(m.Value))
			if err != nil || obj == nil {
				continue
			}
			SendNonBlocking(ctx, out, Message{
				Source:   "kafka",
				DeviceID: string(m.Key),
				Kind:     ClassifyFields(obj),
				Fields:   obj,
			}, logger, drops)
		}
	}()
}
