package queue

import (
	"time"

	"github.com/google/uuid"
)

// DispatchMessage instructs an executor to run a due scheduled operation.
type DispatchMessage struct {
	OperationID uuid.UUID      `json:"operation_id"`
	Kind        string         `json:"kind"`
	AccountID   string         `json:"account_id"`
	CampaignID  uuid.UUID      `json:"campaign_id"`
	ContactID   string         `json:"contact_id"`
	Priority    int            `json:"priority"`
	Attempt     int            `json:"attempt"`
	MaxRetries  int            `json:"max_retries"`
	Metadata    map[string]any `json:"metadata"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
}

// AuditMessage carries one transaction-log entry to the audit topic.
type AuditMessage struct {
	Category    string         `json:"category"`
	Actor       string         `json:"actor"`
	EntityID    string         `json:"entity_id"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
	Success     bool           `json:"success"`
	OccurredAt  time.Time      `json:"occurred_at"`
}
