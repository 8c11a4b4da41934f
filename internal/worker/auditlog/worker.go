package auditlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/acme/linkedin-outreach/internal/app"
	"github.com/acme/linkedin-outreach/internal/audit"
	"github.com/acme/linkedin-outreach/internal/queue"
)

// Worker drains the audit topic into the Scylla transaction log.
type Worker struct {
	container *app.Container
	store     audit.Store
}

// New creates a new audit log worker.
func New(container *app.Container) *Worker {
	return &Worker{
		container: container,
		store:     container.Repositories().Audit,
	}
}

// Run starts the consume loop.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.container.Config
	reader := w.container.Kafka.NewReader(cfg.Kafka.AuditTopic, cfg.Kafka.ConsumerGroupID+"-audit")
	defer reader.Close()

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.container.Logger.Error("audit worker: fetch message", zap.Error(err))
			continue
		}

		if err := w.processMessage(ctx, reader, m); err != nil {
			w.container.Logger.Error("audit worker: process", zap.Error(err))
		}
	}
}

func (w *Worker) processMessage(ctx context.Context, reader *kafka.Reader, m kafka.Message) error {
	var msg queue.AuditMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		// Malformed entries are dropped, not retried.
		_ = reader.CommitMessages(ctx, m)
		return fmt.Errorf("unmarshal audit message: %w", err)
	}

	record := audit.Record{
		Category:    msg.Category,
		Actor:       msg.Actor,
		EntityID:    msg.EntityID,
		Description: msg.Description,
		Metadata:    msg.Metadata,
		Success:     msg.Success,
		OccurredAt:  msg.OccurredAt,
	}

	if err := w.store.Append(ctx, record); err != nil {
		// Leave the message uncommitted so it is redelivered.
		return fmt.Errorf("append audit record: %w", err)
	}

	if err := reader.CommitMessages(ctx, m); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}
