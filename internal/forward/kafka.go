package forward

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/segmentio/kafka-go"
	"tradefeed/internal/model"
)

// Kafka publishes every delivered trade to one kafka topic keyed by pair.
// The writer is asynchronous so Deliver never waits on the brokers.
type Kafka struct {
	logger *slog.Logger
	writer *kafka.Writer
	closed atomic.Bool
}

// NewKafka creates an asynchronous writer for topic on brokers.
func NewKafka(logger *slog.Logger, brokers []string, topic string) *Kafka {
	k := &Kafka{logger: logger.With("forwarder", "kafka")}
	k.writer = &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		Async:                  true,
		AllowAutoTopicCreation: true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				k.logger.Error("Failed to forward trades to kafka", "error", err, "messages", len(messages))
			}
		},
	}
	return k
}

func (k *Kafka) ID() string {
	return "kafka:" + k.writer.Topic
}

func (k *Kafka) Deliver(topic string, payload model.TradePayload) error {
	if k.closed.Load() {
		return ErrClosed
	}
	msg, err := message(topic, payload)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(context.Background(), msg)
}

func message(topic string, payload model.TradePayload) (kafka.Message, error) {
	value, err := json.Marshal(payload)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(pairOf(topic)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "topic", Value: []byte(topic)},
			{Key: "exchange", Value: []byte(payload.Exchange)},
		},
	}, nil
}

// Close flushes pending messages and closes the writer.
func (k *Kafka) Close() error {
	if k.closed.Swap(true) {
		return nil
	}
	return k.writer.Close()
}
