// Package relay mirrors committed events onto Kafka for downstream
// consumers (analytics, warehousing, cross-service fanout). Delivery is
// best-effort: the event log is the source of truth, and a consumer
// that needs completeness replays the log, not the topic.
package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/careflow-go/internal/eventstore"
	"github.com/careflow-go/pkg/config"
	"github.com/careflow-go/pkg/logger"
	"github.com/careflow-go/pkg/metrics"
)

type Relay struct {
	writer  *kafka.Writer
	log     logger.Logger
	timeout time.Duration
}

func New(cfg config.KafkaConfig, log logger.Logger) *Relay {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        false,
	})
	return &Relay{writer: writer, log: log, timeout: 5 * time.Second}
}

// Forward publishes one event, keyed by stream so per-aggregate order
// survives partitioning. Failures are counted and dropped; the append
// that produced the event has already committed.
func (r *Relay) Forward(ctx context.Context, ev *eventstore.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		metrics.RelayDroppedTotal.Inc()
		r.log.Error("relay marshal failed", "event_id", ev.EventID, "error", err)
		return
	}

	wctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	err = r.writer.WriteMessages(wctx, kafka.Message{
		Key:   []byte(ev.StreamID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.EventType)},
			{Key: "stream-type", Value: []byte(ev.StreamType)},
		},
	})
	if err != nil {
		metrics.RelayDroppedTotal.Inc()
		r.log.Warn("relay write failed, event dropped from topic",
			"event_id", ev.EventID, "event_type", ev.EventType, "error", err)
	}
}

func (r *Relay) Close() error { return r.writer.Close() }
