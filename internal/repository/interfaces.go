package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/linkedin-outreach/internal/domain"
	apperrors "github.com/acme/linkedin-outreach/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// AccountRepository persists automation account records.
type AccountRepository interface {
	Upsert(ctx context.Context, account *domain.Account) error
	Get(ctx context.Context, id string) (*domain.Account, error)
	Update(ctx context.Context, account *domain.Account) error
	List(ctx context.Context, limit int) ([]*domain.Account, error)
}

// OperationRepository persists scheduled operations. Terminal operations are
// retained for audit; nothing is ever physically deleted.
type OperationRepository interface {
	Create(ctx context.Context, op *domain.ScheduledOperation) error
	Get(ctx context.Context, id uuid.UUID) (*domain.ScheduledOperation, error)
	Update(ctx context.Context, op *domain.ScheduledOperation) error
	// ListDue returns operations in status scheduled with scheduled_time <= at.
	ListDue(ctx context.Context, at time.Time, limit int) ([]*domain.ScheduledOperation, error)
	ListByCampaign(ctx context.Context, campaignID uuid.UUID, status *domain.OperationStatus, limit int) ([]*domain.ScheduledOperation, error)
	// ShiftScheduled adds delta to scheduled_time for every operation in the
	// campaign still in status scheduled, returning the affected count.
	ShiftScheduled(ctx context.Context, campaignID uuid.UUID, delta time.Duration) (int64, error)
	// CampaignStatusCounts returns per-status counts plus the earliest
	// still-scheduled time, nil when no operation remains scheduled.
	CampaignStatusCounts(ctx context.Context, campaignID uuid.UUID) (map[domain.OperationStatus]int64, *time.Time, error)
}
