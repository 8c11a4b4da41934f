package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/linkedin-outreach/internal/domain"
	"github.com/acme/linkedin-outreach/internal/repository"
)

// AccountRepository implements repository.AccountRepository using PostgreSQL.
type AccountRepository struct {
	db *sqlx.DB
}

// NewAccountRepository constructs a new repository.
func NewAccountRepository(db *sqlx.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `id, display_name, time_zone, op_days, op_start_hour, op_end_hour,
	daily_quotas, usage_counts, last_activity, active,
	min_delay_ms, max_delay_ms, random_factor, created_at, updated_at`

// Upsert inserts or replaces the account by identifier.
func (r *AccountRepository) Upsert(ctx context.Context, account *domain.Account) error {
	params, err := accountParams(account)
	if err != nil {
		return err
	}

	q := `INSERT INTO accounts (` + accountColumns + `) VALUES (
		:id, :display_name, :time_zone, :op_days, :op_start_hour, :op_end_hour,
		:daily_quotas, :usage_counts, :last_activity, :active,
		:min_delay_ms, :max_delay_ms, :random_factor, :created_at, :updated_at
	) ON CONFLICT (id) DO UPDATE SET
		display_name = EXCLUDED.display_name,
		time_zone = EXCLUDED.time_zone,
		op_days = EXCLUDED.op_days,
		op_start_hour = EXCLUDED.op_start_hour,
		op_end_hour = EXCLUDED.op_end_hour,
		daily_quotas = EXCLUDED.daily_quotas,
		usage_counts = EXCLUDED.usage_counts,
		last_activity = EXCLUDED.last_activity,
		active = EXCLUDED.active,
		min_delay_ms = EXCLUDED.min_delay_ms,
		max_delay_ms = EXCLUDED.max_delay_ms,
		random_factor = EXCLUDED.random_factor,
		updated_at = EXCLUDED.updated_at`

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("account repo: upsert: %w", err)
	}
	return nil
}

// Get fetches an account by id.
func (r *AccountRepository) Get(ctx context.Context, id string) (*domain.Account, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)

	var record accountRecord
	if err := row.StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("account repo: get: %w", err)
	}

	return record.toDomain()
}

// Update persists mutated account state.
func (r *AccountRepository) Update(ctx context.Context, account *domain.Account) error {
	params, err := accountParams(account)
	if err != nil {
		return err
	}

	q := `UPDATE accounts SET
		display_name = :display_name,
		time_zone = :time_zone,
		op_days = :op_days,
		op_start_hour = :op_start_hour,
		op_end_hour = :op_end_hour,
		daily_quotas = :daily_quotas,
		usage_counts = :usage_counts,
		last_activity = :last_activity,
		active = :active,
		min_delay_ms = :min_delay_ms,
		max_delay_ms = :max_delay_ms,
		random_factor = :random_factor,
		updated_at = :updated_at
	 WHERE id = :id`

	res, err := r.db.NamedExecContext(ctx, q, params)
	if err != nil {
		return fmt.Errorf("account repo: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("account repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// List returns registered accounts.
func (r *AccountRepository) List(ctx context.Context, limit int) ([]*domain.Account, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("account repo: list: %w", err)
	}
	defer rows.Close()

	var results []*domain.Account
	for rows.Next() {
		var record accountRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("account repo: scan: %w", err)
		}
		account, err := record.toDomain()
		if err != nil {
			return nil, err
		}
		results = append(results, account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("account repo: rows err: %w", err)
	}
	return results, nil
}

type accountRecord struct {
	ID           string         `db:"id"`
	DisplayName  sql.NullString `db:"display_name"`
	TimeZone     string         `db:"time_zone"`
	OpDays       []byte         `db:"op_days"`
	OpStartHour  int            `db:"op_start_hour"`
	OpEndHour    int            `db:"op_end_hour"`
	DailyQuotas  []byte         `db:"daily_quotas"`
	UsageCounts  []byte         `db:"usage_counts"`
	LastActivity sql.NullTime   `db:"last_activity"`
	Active       bool           `db:"active"`
	MinDelayMs   int64          `db:"min_delay_ms"`
	MaxDelayMs   int64          `db:"max_delay_ms"`
	RandomFactor float64        `db:"random_factor"`
	CreatedAt    sql.NullTime   `db:"created_at"`
	UpdatedAt    sql.NullTime   `db:"updated_at"`
}

func (r accountRecord) toDomain() (*domain.Account, error) {
	var days []time.Weekday
	if len(r.OpDays) > 0 {
		if err := json.Unmarshal(r.OpDays, &days); err != nil {
			return nil, fmt.Errorf("account repo: decode op_days: %w", err)
		}
	}

	quotas := make(map[domain.QuotaKey]int)
	if len(r.DailyQuotas) > 0 {
		if err := json.Unmarshal(r.DailyQuotas, &quotas); err != nil {
			return nil, fmt.Errorf("account repo: decode daily_quotas: %w", err)
		}
	}

	usage := make(map[domain.QuotaKey]int)
	if len(r.UsageCounts) > 0 {
		if err := json.Unmarshal(r.UsageCounts, &usage); err != nil {
			return nil, fmt.Errorf("account repo: decode usage_counts: %w", err)
		}
	}

	account := &domain.Account{
		ID:          r.ID,
		DisplayName: r.DisplayName.String,
		TimeZone:    r.TimeZone,
		Hours: domain.OperationalHours{
			Days:      days,
			StartHour: r.OpStartHour,
			EndHour:   r.OpEndHour,
		},
		DailyQuotas: quotas,
		Usage:       usage,
		Active:      r.Active,
		Delay: domain.DelayPattern{
			MinDelay:     time.Duration(r.MinDelayMs) * time.Millisecond,
			MaxDelay:     time.Duration(r.MaxDelayMs) * time.Millisecond,
			RandomFactor: r.RandomFactor,
		},
	}
	if r.LastActivity.Valid {
		account.LastActivity = r.LastActivity.Time
	}
	if r.CreatedAt.Valid {
		account.CreatedAt = r.CreatedAt.Time
	}
	if r.UpdatedAt.Valid {
		account.UpdatedAt = r.UpdatedAt.Time
	}
	return account, nil
}

func accountParams(account *domain.Account) (map[string]any, error) {
	days, err := json.Marshal(account.Hours.Days)
	if err != nil {
		return nil, fmt.Errorf("account repo: encode op_days: %w", err)
	}
	quotas, err := json.Marshal(account.DailyQuotas)
	if err != nil {
		return nil, fmt.Errorf("account repo: encode daily_quotas: %w", err)
	}
	usage, err := json.Marshal(account.Usage)
	if err != nil {
		return nil, fmt.Errorf("account repo: encode usage_counts: %w", err)
	}

	var lastActivity *time.Time
	if !account.LastActivity.IsZero() {
		lastActivity = &account.LastActivity
	}

	return map[string]any{
		"id":            account.ID,
		"display_name":  account.DisplayName,
		"time_zone":     account.TimeZone,
		"op_days":       days,
		"op_start_hour": account.Hours.StartHour,
		"op_end_hour":   account.Hours.EndHour,
		"daily_quotas":  quotas,
		"usage_counts":  usage,
		"last_activity": lastActivity,
		"active":        account.Active,
		"min_delay_ms":  account.Delay.MinDelay.Milliseconds(),
		"max_delay_ms":  account.Delay.MaxDelay.Milliseconds(),
		"random_factor": account.Delay.RandomFactor,
		"created_at":    account.CreatedAt,
		"updated_at":    account.UpdatedAt,
	}, nil
}
