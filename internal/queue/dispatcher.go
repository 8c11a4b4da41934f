package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// OperationDispatcher publishes due-operation dispatch events to Kafka.
type OperationDispatcher struct {
	writer *kafka.Writer
}

// NewOperationDispatcher constructs a dispatcher for the given topic.
func NewOperationDispatcher(k *Kafka, topic string) *OperationDispatcher {
	return &OperationDispatcher{
		writer: k.NewWriter(topic),
	}
}

// Dispatch writes the dispatch message to Kafka, keyed by operation so all
// attempts of one operation land on the same partition.
func (d *OperationDispatcher) Dispatch(ctx context.Context, msg DispatchMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("operation dispatcher: marshal message: %w", err)
	}

	record := kafka.Message{
		Key:   msg.OperationID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}

	if err := d.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("operation dispatcher: write message: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (d *OperationDispatcher) Close() error {
	return d.writer.Close()
}
