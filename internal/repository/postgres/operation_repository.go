package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/linkedin-outreach/internal/domain"
	"github.com/acme/linkedin-outreach/internal/repository"
)

// OperationRepository implements repository.OperationRepository using
// PostgreSQL.
type OperationRepository struct {
	db *sqlx.DB
}

// NewOperationRepository constructs a new repository.
func NewOperationRepository(db *sqlx.DB) *OperationRepository {
	return &OperationRepository{db: db}
}

const operationColumns = `id, kind, contact_id, campaign_id, user_id, account_id, priority,
	preferred_time, max_delay_hours, retry_count, max_retries, metadata,
	scheduled_time, status, estimated_duration_s, retry_after, failure_reason,
	provider_ref, dispatched_at, created_at, updated_at`

// Create inserts a new scheduled operation.
func (r *OperationRepository) Create(ctx context.Context, op *domain.ScheduledOperation) error {
	params, err := operationParams(op)
	if err != nil {
		return err
	}

	q := `INSERT INTO scheduled_operations (` + operationColumns + `) VALUES (
		:id, :kind, :contact_id, :campaign_id, :user_id, :account_id, :priority,
		:preferred_time, :max_delay_hours, :retry_count, :max_retries, :metadata,
		:scheduled_time, :status, :estimated_duration_s, :retry_after, :failure_reason,
		:provider_ref, :dispatched_at, :created_at, :updated_at
	)`

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("operation repo: insert: %w", err)
	}
	return nil
}

// Get fetches an operation by id.
func (r *OperationRepository) Get(ctx context.Context, id uuid.UUID) (*domain.ScheduledOperation, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+operationColumns+` FROM scheduled_operations WHERE id = $1`, id)

	var record operationRecord
	if err := row.StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("operation repo: get: %w", err)
	}
	return record.toDomain()
}

// Update persists mutated operation state.
func (r *OperationRepository) Update(ctx context.Context, op *domain.ScheduledOperation) error {
	params, err := operationParams(op)
	if err != nil {
		return err
	}

	q := `UPDATE scheduled_operations SET
		priority = :priority,
		retry_count = :retry_count,
		scheduled_time = :scheduled_time,
		status = :status,
		retry_after = :retry_after,
		failure_reason = :failure_reason,
		provider_ref = :provider_ref,
		dispatched_at = :dispatched_at,
		updated_at = :updated_at
	 WHERE id = :id`

	res, err := r.db.NamedExecContext(ctx, q, params)
	if err != nil {
		return fmt.Errorf("operation repo: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("operation repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListDue returns scheduled operations whose time has arrived, in
// (priority, scheduled_time, id) order.
func (r *OperationRepository) ListDue(ctx context.Context, at time.Time, limit int) ([]*domain.ScheduledOperation, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT `+operationColumns+` FROM scheduled_operations
		WHERE status = $1 AND scheduled_time <= $2
		ORDER BY priority ASC, scheduled_time ASC, id ASC LIMIT $3`,
		domain.OperationStatusScheduled, at, limit)
	if err != nil {
		return nil, fmt.Errorf("operation repo: list due: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// ListByCampaign returns a campaign's operations, optionally filtered by
// status.
func (r *OperationRepository) ListByCampaign(ctx context.Context, campaignID uuid.UUID, status *domain.OperationStatus, limit int) ([]*domain.ScheduledOperation, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		rows *sqlx.Rows
		err  error
	)
	if status != nil {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+operationColumns+` FROM scheduled_operations
			WHERE campaign_id = $1 AND status = $2 ORDER BY scheduled_time ASC LIMIT $3`,
			campaignID, *status, limit)
	} else {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+operationColumns+` FROM scheduled_operations
			WHERE campaign_id = $1 ORDER BY scheduled_time ASC LIMIT $2`,
			campaignID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("operation repo: list by campaign: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// ShiftScheduled adds delta to every still-scheduled operation of the
// campaign in a single statement, so a concurrent status transition cannot
// shift an operation that already left the scheduled state.
func (r *OperationRepository) ShiftScheduled(ctx context.Context, campaignID uuid.UUID, delta time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE scheduled_operations
		SET scheduled_time = scheduled_time + make_interval(secs => $1), updated_at = NOW()
		WHERE campaign_id = $2 AND status = $3`,
		delta.Seconds(), campaignID, domain.OperationStatusScheduled)
	if err != nil {
		return 0, fmt.Errorf("operation repo: shift scheduled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("operation repo: rows affected: %w", err)
	}
	return n, nil
}

// CampaignStatusCounts aggregates the campaign's operations by status and
// finds the earliest still-scheduled time.
func (r *OperationRepository) CampaignStatusCounts(ctx context.Context, campaignID uuid.UUID) (map[domain.OperationStatus]int64, *time.Time, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT status, COUNT(*) AS total
		FROM scheduled_operations WHERE campaign_id = $1 GROUP BY status`, campaignID)
	if err != nil {
		return nil, nil, fmt.Errorf("operation repo: status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.OperationStatus]int64)
	for rows.Next() {
		var (
			status string
			total  int64
		)
		if err := rows.Scan(&status, &total); err != nil {
			return nil, nil, fmt.Errorf("operation repo: scan counts: %w", err)
		}
		counts[domain.OperationStatus(status)] = total
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("operation repo: rows err: %w", err)
	}

	var next sql.NullTime
	if err := r.db.QueryRowxContext(ctx, `SELECT MIN(scheduled_time) FROM scheduled_operations
		WHERE campaign_id = $1 AND status = $2`, campaignID, domain.OperationStatusScheduled).Scan(&next); err != nil {
		return nil, nil, fmt.Errorf("operation repo: next scheduled: %w", err)
	}

	if next.Valid {
		t := next.Time
		return counts, &t, nil
	}
	return counts, nil, nil
}

func scanOperations(rows *sqlx.Rows) ([]*domain.ScheduledOperation, error) {
	var results []*domain.ScheduledOperation
	for rows.Next() {
		var record operationRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("operation repo: scan: %w", err)
		}
		op, err := record.toDomain()
		if err != nil {
			return nil, err
		}
		results = append(results, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("operation repo: rows err: %w", err)
	}
	return results, nil
}

type operationRecord struct {
	ID                 uuid.UUID      `db:"id"`
	Kind               string         `db:"kind"`
	ContactID          string         `db:"contact_id"`
	CampaignID         uuid.UUID      `db:"campaign_id"`
	UserID             uuid.UUID      `db:"user_id"`
	AccountID          string         `db:"account_id"`
	Priority           int            `db:"priority"`
	PreferredTime      sql.NullTime   `db:"preferred_time"`
	MaxDelayHours      int            `db:"max_delay_hours"`
	RetryCount         int            `db:"retry_count"`
	MaxRetries         int            `db:"max_retries"`
	Metadata           []byte         `db:"metadata"`
	ScheduledTime      time.Time      `db:"scheduled_time"`
	Status             string         `db:"status"`
	EstimatedDurationS int64          `db:"estimated_duration_s"`
	RetryAfter         sql.NullTime   `db:"retry_after"`
	FailureReason      sql.NullString `db:"failure_reason"`
	ProviderRef        sql.NullString `db:"provider_ref"`
	DispatchedAt       sql.NullTime   `db:"dispatched_at"`
	CreatedAt          sql.NullTime   `db:"created_at"`
	UpdatedAt          sql.NullTime   `db:"updated_at"`
}

func (r operationRecord) toDomain() (*domain.ScheduledOperation, error) {
	var metadata map[string]any
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &metadata); err != nil {
			return nil, fmt.Errorf("operation repo: decode metadata: %w", err)
		}
	}

	op := &domain.ScheduledOperation{
		ID: r.ID,
		Request: domain.ScheduleRequest{
			Kind:          domain.OperationKind(r.Kind),
			ContactID:     r.ContactID,
			CampaignID:    r.CampaignID,
			UserID:        r.UserID,
			AccountID:     r.AccountID,
			Priority:      r.Priority,
			MaxDelayHours: r.MaxDelayHours,
			RetryCount:    r.RetryCount,
			MaxRetries:    r.MaxRetries,
			Metadata:      metadata,
		},
		ScheduledTime:     r.ScheduledTime.UTC(),
		Status:            domain.OperationStatus(r.Status),
		EstimatedDuration: time.Duration(r.EstimatedDurationS) * time.Second,
	}

	if r.PreferredTime.Valid {
		t := r.PreferredTime.Time.UTC()
		op.Request.PreferredTime = &t
	}
	if r.RetryAfter.Valid {
		t := r.RetryAfter.Time.UTC()
		op.RetryAfter = &t
	}
	if r.FailureReason.Valid {
		s := r.FailureReason.String
		op.FailureReason = &s
	}
	if r.ProviderRef.Valid {
		s := r.ProviderRef.String
		op.ProviderRef = &s
	}
	if r.DispatchedAt.Valid {
		t := r.DispatchedAt.Time.UTC()
		op.DispatchedAt = &t
	}
	if r.CreatedAt.Valid {
		op.CreatedAt = r.CreatedAt.Time.UTC()
	}
	if r.UpdatedAt.Valid {
		op.UpdatedAt = r.UpdatedAt.Time.UTC()
	}
	return op, nil
}

func operationParams(op *domain.ScheduledOperation) (map[string]any, error) {
	metadata, err := json.Marshal(op.Request.Metadata)
	if err != nil {
		return nil, fmt.Errorf("operation repo: encode metadata: %w", err)
	}

	return map[string]any{
		"id":                   op.ID,
		"kind":                 string(op.Request.Kind),
		"contact_id":           op.Request.ContactID,
		"campaign_id":          op.Request.CampaignID,
		"user_id":              op.Request.UserID,
		"account_id":           op.Request.AccountID,
		"priority":             op.Request.Priority,
		"preferred_time":       op.Request.PreferredTime,
		"max_delay_hours":      op.Request.MaxDelayHours,
		"retry_count":          op.Request.RetryCount,
		"max_retries":          op.Request.MaxRetries,
		"metadata":             metadata,
		"scheduled_time":       op.ScheduledTime,
		"status":               string(op.Status),
		"estimated_duration_s": int64(op.EstimatedDuration / time.Second),
		"retry_after":          op.RetryAfter,
		"failure_reason":       op.FailureReason,
		"provider_ref":         op.ProviderRef,
		"dispatched_at":        op.DispatchedAt,
		"created_at":           op.CreatedAt,
		"updated_at":           op.UpdatedAt,
	}, nil
}
