package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/acme/linkedin-outreach/internal/audit"
)

// AuditStore persists transaction-log entries in Scylla, partitioned by
// entity and day bucket so per-operation history stays a single partition.
type AuditStore struct {
	session *gocql.Session
}

// NewAuditStore creates a new audit store.
func NewAuditStore(session *gocql.Session) *AuditStore {
	return &AuditStore{session: session}
}

// Append inserts one audit record.
func (s *AuditStore) Append(ctx context.Context, record audit.Record) error {
	occurred := record.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	bucket := bucketDate(occurred)

	if err := s.session.Query(`INSERT INTO audit_by_entity (entity_id, bucket, record_id, category, actor, description, metadata, success, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.EntityID, bucket, gocql.TimeUUID(), record.Category, record.Actor,
		record.Description, flattenMetadata(record.Metadata), record.Success, occurred,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("audit store: insert audit_by_entity: %w", err)
	}

	return nil
}

// ListByEntity returns audit records for one entity on one day bucket.
func (s *AuditStore) ListByEntity(ctx context.Context, entityID string, day time.Time, limit int) ([]audit.Record, error) {
	if limit <= 0 {
		limit = 100
	}

	iter := s.session.Query(`SELECT category, actor, description, metadata, success, occurred_at
		FROM audit_by_entity WHERE entity_id = ? AND bucket = ? LIMIT ?`,
		entityID, bucketDate(day), limit).WithContext(ctx).Iter()

	var (
		category    string
		actor       string
		description string
		metadata    map[string]string
		success     bool
		occurred    time.Time
	)

	var records []audit.Record
	for iter.Scan(&category, &actor, &description, &metadata, &success, &occurred) {
		rec := audit.Record{
			Category:    category,
			Actor:       actor,
			EntityID:    entityID,
			Description: description,
			Success:     success,
			OccurredAt:  occurred,
		}
		if len(metadata) > 0 {
			rec.Metadata = make(map[string]any, len(metadata))
			for k, v := range metadata {
				rec.Metadata[k] = v
			}
		}
		records = append(records, rec)
		metadata = nil
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("audit store: iter close: %w", err)
	}

	return records, nil
}

func flattenMetadata(metadata map[string]any) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func bucketDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
