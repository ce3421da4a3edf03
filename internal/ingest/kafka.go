// README: Kafka adapters for the driver location stream.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"supportcarr/internal/config"
	"supportcarr/internal/modules/tracking"
)

// NewReader opens a consumer-group reader on the location topic.
func NewReader(cfg config.KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  cfg.FlushEvery,
	})
}

// Publisher writes location pings keyed by driver so one driver's pings stay ordered.
type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(cfg config.KafkaConfig) *Publisher {
	return &Publisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}}
}

func (p *Publisher) Publish(ctx context.Context, updates ...tracking.Update) error {
	msgs := make([]kafka.Message, 0, len(updates))
	for _, u := range updates {
		b, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("encode update: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(u.DriverID), Value: b})
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
