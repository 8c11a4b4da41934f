// Package registry maintains automation account records and their daily
// quota counters. Quota check-and-increment is serialized per account so two
// concurrent executions cannot race past a daily limit.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acme/linkedin-outreach/internal/domain"
	"github.com/acme/linkedin-outreach/internal/repository"
	apperrors "github.com/acme/linkedin-outreach/pkg/errors"
)

// DefaultDailyLimit applies to quota keys with no configured limit.
const DefaultDailyLimit = 100

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Registry is the account registry service.
type Registry struct {
	accounts     repository.AccountRepository
	now          Clock
	defaultLimit int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a registry over the given account repository.
func New(accounts repository.AccountRepository, defaultLimit int, now Clock) *Registry {
	if defaultLimit <= 0 {
		defaultLimit = DefaultDailyLimit
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Registry{
		accounts:     accounts,
		now:          now,
		defaultLimit: defaultLimit,
		locks:        make(map[string]*sync.Mutex),
	}
}

// Register upserts an account by identifier, initializing usage counters for
// every configured quota key.
func (r *Registry) Register(ctx context.Context, account *domain.Account) error {
	if account.ID == "" {
		return fmt.Errorf("%w: account id is required", apperrors.ErrValidation)
	}
	if account.TimeZone == "" {
		return fmt.Errorf("%w: time zone is required", apperrors.ErrValidation)
	}
	if _, err := time.LoadLocation(account.TimeZone); err != nil {
		return fmt.Errorf("%w: invalid time zone %s: %v", apperrors.ErrValidation, account.TimeZone, err)
	}
	if account.Hours.EndHour <= account.Hours.StartHour {
		return fmt.Errorf("%w: operational hours must have positive duration", apperrors.ErrValidation)
	}

	if account.DailyQuotas == nil {
		account.DailyQuotas = make(map[domain.QuotaKey]int)
	}
	if account.Usage == nil {
		account.Usage = make(map[domain.QuotaKey]int)
	}
	for key := range account.DailyQuotas {
		if _, ok := account.Usage[key]; !ok {
			account.Usage[key] = 0
		}
	}

	now := r.now()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	if err := r.accounts.Upsert(ctx, account); err != nil {
		return fmt.Errorf("registry: upsert account: %w", err)
	}
	return nil
}

// Get loads an account, translating absence into ErrAccountNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Account, error) {
	account, err := r.accounts.Get(ctx, id)
	if err != nil {
		if apperrors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrAccountNotFound, id)
		}
		return nil, err
	}
	return account, nil
}

// Status returns a usage-vs-quota snapshot for the account.
func (r *Registry) Status(ctx context.Context, id string) (*domain.AccountStatus, error) {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	account, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.rollover(ctx, account); err != nil {
		return nil, err
	}

	quotas := make(map[domain.QuotaKey]int, len(account.DailyQuotas))
	for k, v := range account.DailyQuotas {
		quotas[k] = v
	}
	usage := make(map[domain.QuotaKey]int, len(account.Usage))
	for k, v := range account.Usage {
		usage[k] = v
	}

	return &domain.AccountStatus{
		AccountID:    account.ID,
		DisplayName:  account.DisplayName,
		TimeZone:     account.TimeZone,
		Hours:        account.Hours,
		Active:       account.Active,
		DailyQuotas:  quotas,
		Usage:        usage,
		LastActivity: account.LastActivity,
	}, nil
}

// HasQuota reports whether the account can still perform the kind today.
// The day rollover runs unconditionally before the read.
func (r *Registry) HasQuota(ctx context.Context, id string, kind domain.OperationKind) (bool, error) {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	account, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if err := r.rollover(ctx, account); err != nil {
		return false, err
	}
	return r.hasQuotaLocked(account, kind), nil
}

// Reserve atomically checks quota for the kind and records one usage. It is
// the only path that may consume quota, so a true result guarantees the
// daily limit was not crossed.
func (r *Registry) Reserve(ctx context.Context, id string, kind domain.OperationKind) error {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	account, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := r.rollover(ctx, account); err != nil {
		return err
	}
	if !r.hasQuotaLocked(account, kind) {
		key, _ := domain.QuotaKeyFor(kind)
		return fmt.Errorf("%w: account %s key %s", apperrors.ErrQuotaExceeded, id, key)
	}
	return r.recordLocked(ctx, account, kind)
}

// Release returns one previously reserved usage, for executions that failed
// after reservation.
func (r *Registry) Release(ctx context.Context, id string, kind domain.OperationKind) error {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	account, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	key, ok := domain.QuotaKeyFor(kind)
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidOperationType, kind)
	}
	if account.Usage[key] > 0 {
		account.Usage[key]--
	}
	account.UpdatedAt = r.now()
	if err := r.accounts.Update(ctx, account); err != nil {
		return fmt.Errorf("registry: release usage: %w", err)
	}
	return nil
}

// RecordUsage increments the usage counter for the kind's quota key and
// stamps last activity.
func (r *Registry) RecordUsage(ctx context.Context, id string, kind domain.OperationKind) error {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	account, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := r.rollover(ctx, account); err != nil {
		return err
	}
	return r.recordLocked(ctx, account, kind)
}

func (r *Registry) hasQuotaLocked(account *domain.Account, kind domain.OperationKind) bool {
	key, ok := domain.QuotaKeyFor(kind)
	if !ok {
		return false
	}
	limit, ok := account.DailyQuotas[key]
	if !ok || limit <= 0 {
		limit = r.defaultLimit
	}
	return account.Usage[key] < limit
}

func (r *Registry) recordLocked(ctx context.Context, account *domain.Account, kind domain.OperationKind) error {
	key, ok := domain.QuotaKeyFor(kind)
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidOperationType, kind)
	}
	if account.Usage == nil {
		account.Usage = make(map[domain.QuotaKey]int)
	}
	account.Usage[key]++
	now := r.now()
	account.LastActivity = now
	account.UpdatedAt = now
	if err := r.accounts.Update(ctx, account); err != nil {
		return fmt.Errorf("registry: record usage: %w", err)
	}
	return nil
}

// rollover zeroes all usage counters when the account's local calendar day
// has advanced since the last recorded activity.
func (r *Registry) rollover(ctx context.Context, account *domain.Account) error {
	if account.LastActivity.IsZero() {
		return nil
	}

	loc := account.Location()
	lastY, lastM, lastD := account.LastActivity.In(loc).Date()
	nowY, nowM, nowD := r.now().In(loc).Date()
	last := time.Date(lastY, lastM, lastD, 0, 0, 0, 0, loc)
	today := time.Date(nowY, nowM, nowD, 0, 0, 0, 0, loc)
	if !today.After(last) {
		return nil
	}

	for key := range account.Usage {
		account.Usage[key] = 0
	}
	account.UpdatedAt = r.now()
	if err := r.accounts.Update(ctx, account); err != nil {
		return fmt.Errorf("registry: reset usage: %w", err)
	}
	return nil
}

func (r *Registry) lockFor(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	return lock
}
