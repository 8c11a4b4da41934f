package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// AuditPublisher publishes transaction-log entries.
type AuditPublisher struct {
	writer *kafka.Writer
}

// NewAuditPublisher constructs an audit publisher for the given topic.
func NewAuditPublisher(k *Kafka, topic string) *AuditPublisher {
	return &AuditPublisher{writer: k.NewWriter(topic)}
}

// PublishAudit emits an audit message to Kafka.
func (p *AuditPublisher) PublishAudit(ctx context.Context, msg AuditMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("audit publisher: marshal message: %w", err)
	}
	record := kafka.Message{
		Key:   []byte(msg.EntityID),
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("audit publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *AuditPublisher) Close() error {
	return p.writer.Close()
}
