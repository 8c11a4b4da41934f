package audit

import (
	"context"

	"github.com/acme/linkedin-outreach/internal/queue"
)

// KafkaSink forwards audit records to the audit topic. The audit worker
// drains the topic into the durable store.
type KafkaSink struct {
	publisher *queue.AuditPublisher
	actor     string
}

// NewKafkaSink constructs a sink publishing as the given actor.
func NewKafkaSink(publisher *queue.AuditPublisher, actor string) *KafkaSink {
	return &KafkaSink{publisher: publisher, actor: actor}
}

// Append publishes the record.
func (s *KafkaSink) Append(ctx context.Context, record Record) error {
	actor := record.Actor
	if actor == "" {
		actor = s.actor
	}
	return s.publisher.PublishAudit(ctx, queue.AuditMessage{
		Category:    record.Category,
		Actor:       actor,
		EntityID:    record.EntityID,
		Description: record.Description,
		Metadata:    record.Metadata,
		Success:     record.Success,
		OccurredAt:  record.OccurredAt,
	})
}
