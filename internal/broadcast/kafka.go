package broadcast

import (
	"context"
	"log/slog"
	"time"

	"github.com/efreitasn/stockreserve/internal/domain"
	"github.com/efreitasn/stockreserve/internal/metrics"
	"github.com/segmentio/kafka-go"
)

const (
	kafkaBatchSize    = 100
	kafkaFlushTimeout = 5 * time.Second
)

// Producer is the part of *kafka.Writer the sink needs.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter returns a writer for topic. Messages are hashed by key so
// every event for a stock key lands on the same partition in order.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    kafkaBatchSize,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
	}
}

// KafkaSink queues stock events and writes them to Kafka from a single
// goroutine. Publish never blocks; when the queue is full the event is
// dropped.
type KafkaSink struct {
	producer Producer
	queue    chan domain.StockEvent
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewKafkaSink creates a sink with a queue of size buffer. Call Run to start
// writing.
func NewKafkaSink(producer Producer, buffer int, m *metrics.Metrics, logger *slog.Logger) *KafkaSink {
	if buffer < 1 {
		buffer = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSink{
		producer: producer,
		queue:    make(chan domain.StockEvent, buffer),
		metrics:  m,
		logger:   logger,
	}
}

// Publish enqueues event.
func (k *KafkaSink) Publish(event domain.StockEvent) {
	select {
	case k.queue <- event:
	default:
		k.metrics.EventDropped("kafka")
	}
}

// Run writes queued events in batches until ctx is cancelled, then flushes
// whatever is still queued.
func (k *KafkaSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), kafkaFlushTimeout)
			for batch := k.drain(nil); len(batch) > 0; batch = k.drain(nil) {
				k.write(flushCtx, batch)
			}
			cancel()
			return
		case e := <-k.queue:
			k.write(ctx, k.drain([]domain.StockEvent{e}))
		}
	}
}

// drain appends queued events to batch without blocking, up to the batch
// size.
func (k *KafkaSink) drain(batch []domain.StockEvent) []domain.StockEvent {
	for len(batch) < kafkaBatchSize {
		select {
		case e := <-k.queue:
			batch = append(batch, e)
		default:
			return batch
		}
	}
	return batch
}

func (k *KafkaSink) write(ctx context.Context, batch []domain.StockEvent) {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, e := range batch {
		msg, err := toKafkaMessage(e)
		if err != nil {
			k.logger.Error("encode stock event", slog.String("key", e.Key.String()), slog.String("error", err.Error()))
			k.metrics.EventDropped("kafka")
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return
	}

	if err := k.producer.WriteMessages(ctx, msgs...); err != nil {
		k.logger.Error("kafka write failed",
			slog.Int("events", len(msgs)),
			slog.String("error", err.Error()),
		)
		for range msgs {
			k.metrics.EventDropped("kafka")
		}
		return
	}
	k.logger.Debug("kafka batch written", slog.Int("events", len(msgs)))
}

func toKafkaMessage(e domain.StockEvent) (kafka.Message, error) {
	value, err := EncodeEvent(e)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(e.Key.String()),
		Value: value,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("stock_updated")},
			{Key: "reason", Value: []byte(e.Reason)},
		},
	}, nil
}
