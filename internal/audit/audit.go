// Package audit defines the transaction-log sink the scheduler writes to.
// Appends are fire-and-forget: a failed audit write must never block or fail
// a scheduling decision, so callers log append errors and move on.
package audit

import (
	"context"
	"time"
)

// Categories of audited events.
const (
	CategoryScheduling   = "scheduling"
	CategoryExecution    = "execution"
	CategoryRetry        = "retry"
	CategoryReschedule   = "reschedule"
	CategoryCancellation = "cancellation"
)

// Record is one transaction-log entry.
type Record struct {
	Category    string
	Actor       string
	EntityID    string
	Description string
	Metadata    map[string]any
	Success     bool
	OccurredAt  time.Time
}

// Sink accepts audit records.
type Sink interface {
	Append(ctx context.Context, record Record) error
}

// Store is the durable side of the pipeline, fed by the audit worker.
type Store interface {
	Append(ctx context.Context, record Record) error
	ListByEntity(ctx context.Context, entityID string, day time.Time, limit int) ([]Record, error)
}

// NopSink discards records. Used when no audit pipeline is configured.
type NopSink struct{}

// Append discards the record.
func (NopSink) Append(context.Context, Record) error { return nil }
