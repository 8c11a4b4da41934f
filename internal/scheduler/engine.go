// Package scheduler decides when a queued outreach operation may run. The
// engine computes scheduled times honoring per-account operational hours,
// daily quotas and regional optimal-engagement windows, and owns every
// status transition of a scheduled operation.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/linkedin-outreach/internal/audit"
	"github.com/acme/linkedin-outreach/internal/domain"
	"github.com/acme/linkedin-outreach/internal/provider"
	"github.com/acme/linkedin-outreach/internal/queue"
	"github.com/acme/linkedin-outreach/internal/region"
	"github.com/acme/linkedin-outreach/internal/registry"
	"github.com/acme/linkedin-outreach/internal/repository"
	apperrors "github.com/acme/linkedin-outreach/pkg/errors"
	"github.com/acme/linkedin-outreach/pkg/logger"
)

const minDelayFloor = 5 * time.Minute

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Options tune engine behaviour. Zero values fall back to sane defaults.
type Options struct {
	DefaultDelay    domain.DelayPattern
	ProviderTimeout time.Duration
	Clock           Clock
	Rand            *rand.Rand
}

// Engine is the scheduling engine.
type Engine struct {
	ops      repository.OperationRepository
	registry *registry.Registry
	provider provider.Provider
	sink     audit.Sink
	logger   *logger.Logger

	defaultDelay    domain.DelayPattern
	providerTimeout time.Duration
	now             Clock

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewEngine wires the engine with its collaborators.
func NewEngine(
	ops repository.OperationRepository,
	reg *registry.Registry,
	prov provider.Provider,
	sink audit.Sink,
	lg *logger.Logger,
	opts Options,
) *Engine {
	delay := opts.DefaultDelay
	if delay.MinDelay <= 0 {
		delay.MinDelay = 5 * time.Minute
	}
	if delay.MaxDelay <= delay.MinDelay {
		delay.MaxDelay = delay.MinDelay + 25*time.Minute
	}

	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	timeout := opts.ProviderTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if sink == nil {
		sink = audit.NopSink{}
	}

	return &Engine{
		ops:             ops,
		registry:        reg,
		provider:        prov,
		sink:            sink,
		logger:          lg,
		defaultDelay:    delay,
		providerTimeout: timeout,
		now:             clock,
		rng:             rng,
	}
}

// ScheduleOperation computes a legal scheduled time for the request and
// persists the resulting operation. Quota counters are not touched here;
// usage is only consumed at execution time.
func (e *Engine) ScheduleOperation(ctx context.Context, req domain.ScheduleRequest) (*domain.ScheduledOperation, error) {
	if !domain.ValidKind(req.Kind) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidOperationType, req.Kind)
	}

	account, err := e.registry.Get(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	if req.Priority < 1 || req.Priority > 5 {
		req.Priority = 3
	}
	if req.MaxRetries <= 0 {
		req.MaxRetries = 3
	}

	base := e.now().UTC()
	if req.PreferredTime != nil {
		base = req.PreferredTime.UTC()
	}

	scheduledTime, deferred, err := e.computeScheduledTime(ctx, account, req, base)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	op := &domain.ScheduledOperation{
		ID:                uuid.New(),
		Request:           req,
		ScheduledTime:     scheduledTime,
		Status:            domain.OperationStatusScheduled,
		EstimatedDuration: domain.EstimatedDuration(req.Kind),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := e.ops.Create(ctx, op); err != nil {
		return nil, fmt.Errorf("scheduler: persist operation: %w", err)
	}

	e.appendAudit(ctx, audit.Record{
		Category:    audit.CategoryScheduling,
		EntityID:    op.ID.String(),
		Description: fmt.Sprintf("scheduled %s for account %s", req.Kind, req.AccountID),
		Metadata: map[string]any{
			"account_id":     req.AccountID,
			"campaign_id":    req.CampaignID.String(),
			"kind":           string(req.Kind),
			"scheduled_time": scheduledTime.Format(time.RFC3339),
			"quota_deferred": deferred,
		},
		Success:    true,
		OccurredAt: now,
	})

	e.logger.Info("scheduler: operation scheduled",
		zap.String("operation_id", op.ID.String()),
		zap.String("account_id", req.AccountID),
		zap.String("kind", string(req.Kind)),
		zap.Time("scheduled_time", scheduledTime),
		zap.Bool("quota_deferred", deferred))

	return op, nil
}

// computeScheduledTime advances the base instant into the account's
// operational hours, applies the randomized delay, prefers a regional
// optimal hour when one is reachable, and defers to the next operational
// day when the daily quota is already spent.
func (e *Engine) computeScheduledTime(ctx context.Context, account *domain.Account, req domain.ScheduleRequest, base time.Time) (time.Time, bool, error) {
	base = base.UTC()
	if !withinOperationalHours(base, account) {
		base = nextOperationalWindow(base, account)
	}

	candidate := base.Add(e.randomDelay(account.Delay, req.Kind))
	if !withinOperationalHours(candidate, account) {
		candidate = nextOperationalWindow(candidate, account)
	}

	if rgn, ok := region.ByTimeZone(account.TimeZone); ok && req.MaxDelayHours > 0 {
		if !region.IsOptimal(candidate, rgn) {
			refined := region.OptimalScheduleTime(candidate, rgn, req.MaxDelayHours)
			if region.IsOptimal(refined, rgn) && withinOperationalHours(refined, account) {
				candidate = refined
			}
		}
	}

	hasQuota, err := e.registry.HasQuota(ctx, account.ID, req.Kind)
	if err != nil {
		return time.Time{}, false, err
	}
	if !hasQuota {
		return startOfNextOperationalDay(candidate, account), true, nil
	}

	return candidate.UTC(), false, nil
}

// randomDelay draws a delay in [min, max], perturbs it by the account's
// random factor to avoid fixed cadences, and applies the per-kind spacing
// multiplier. Never under five minutes.
func (e *Engine) randomDelay(pattern domain.DelayPattern, kind domain.OperationKind) time.Duration {
	min := pattern.MinDelay
	max := pattern.MaxDelay
	if min <= 0 {
		min = e.defaultDelay.MinDelay
	}
	if max <= min {
		max = e.defaultDelay.MaxDelay
		if max <= min {
			max = min
		}
	}

	e.rngMu.Lock()
	u := e.rng.Float64()
	jitterU := e.rng.Float64()
	e.rngMu.Unlock()

	delay := min + time.Duration(u*float64(max-min))
	if pattern.RandomFactor > 0 {
		fraction := jitterU*pattern.RandomFactor - pattern.RandomFactor/2
		delay += time.Duration(float64(delay) * fraction)
	}
	delay = time.Duration(float64(delay) * domain.DelayMultiplier(kind))
	if delay < minDelayFloor {
		delay = minDelayFloor
	}
	return delay
}

// OperationsDue returns every scheduled operation whose time has arrived,
// ordered by (priority asc, scheduled_time asc, id asc).
func (e *Engine) OperationsDue(ctx context.Context, at time.Time, limit int) ([]*domain.ScheduledOperation, error) {
	if at.IsZero() {
		at = e.now().UTC()
	}
	due, err := e.ops.ListDue(ctx, at.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list due: %w", err)
	}
	SortDue(due)
	return due, nil
}

// SortDue orders operations by priority, then scheduled time, then id. The
// id tie-break keeps the order stable across stores.
func SortDue(ops []*domain.ScheduledOperation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Request.Priority != ops[j].Request.Priority {
			return ops[i].Request.Priority < ops[j].Request.Priority
		}
		if !ops[i].ScheduledTime.Equal(ops[j].ScheduledTime) {
			return ops[i].ScheduledTime.Before(ops[j].ScheduledTime)
		}
		return ops[i].ID.String() < ops[j].ID.String()
	})
}

// MarkDispatched records that the poller has handed the operation to the
// execution pipeline, so the next tick does not dispatch it again.
func (e *Engine) MarkDispatched(ctx context.Context, op *domain.ScheduledOperation) error {
	now := e.now().UTC()
	op.DispatchedAt = &now
	op.UpdatedAt = now
	if err := e.ops.Update(ctx, op); err != nil {
		return fmt.Errorf("scheduler: mark dispatched: %w", err)
	}
	return nil
}

// ExecuteOperation reserves quota, performs the operation through the
// provider and records the outcome. Ordinary provider failures are swallowed
// into state plus audit trail; the boolean reports success.
func (e *Engine) ExecuteOperation(ctx context.Context, id uuid.UUID) (bool, error) {
	op, err := e.ops.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if op.Status != domain.OperationStatusScheduled && op.Status != domain.OperationStatusRetrying {
		return false, fmt.Errorf("%w: operation %s is %s", apperrors.ErrConflict, id, op.Status)
	}

	account, err := e.registry.Get(ctx, op.Request.AccountID)
	if err != nil {
		return false, err
	}

	op.Status = domain.OperationStatusInProgress
	op.UpdatedAt = e.now().UTC()
	if err := e.ops.Update(ctx, op); err != nil {
		return false, fmt.Errorf("scheduler: mark in progress: %w", err)
	}

	// Reserve usage before the provider call; rolled back on failure.
	if err := e.registry.Reserve(ctx, account.ID, op.Request.Kind); err != nil {
		if apperrors.Is(err, apperrors.ErrQuotaExceeded) {
			return false, e.deferForQuota(ctx, op, account)
		}
		return false, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.providerTimeout)
	result, callErr := e.provider.Perform(callCtx, e.DispatchMessageFor(op))
	cancel()

	now := e.now().UTC()
	if callErr == nil && result.Success {
		op.Status = domain.OperationStatusCompleted
		op.FailureReason = nil
		if result.TrackingID != "" {
			op.ProviderRef = &result.TrackingID
		}
		op.UpdatedAt = now
		if err := e.ops.Update(ctx, op); err != nil {
			return false, fmt.Errorf("scheduler: mark completed: %w", err)
		}
		e.appendAudit(ctx, audit.Record{
			Category:    audit.CategoryExecution,
			EntityID:    op.ID.String(),
			Description: fmt.Sprintf("executed %s for account %s", op.Request.Kind, account.ID),
			Metadata:    map[string]any{"tracking_id": result.TrackingID},
			Success:     true,
			OccurredAt:  now,
		})
		return true, nil
	}

	reason := result.Error
	if reason == "" && callErr != nil {
		reason = callErr.Error()
	}
	op.Status = domain.OperationStatusFailed
	op.FailureReason = &reason
	op.UpdatedAt = now
	if err := e.ops.Update(ctx, op); err != nil {
		return false, fmt.Errorf("scheduler: mark failed: %w", err)
	}

	if relErr := e.registry.Release(ctx, account.ID, op.Request.Kind); relErr != nil {
		e.logger.Warn("scheduler: release reserved usage", zap.Error(relErr), zap.String("account_id", account.ID))
	}

	e.appendAudit(ctx, audit.Record{
		Category:    audit.CategoryExecution,
		EntityID:    op.ID.String(),
		Description: fmt.Sprintf("execution failed for %s: %s", op.Request.Kind, reason),
		Metadata:    map[string]any{"account_id": account.ID, "retryable": result.Retryable},
		Success:     false,
		OccurredAt:  now,
	})
	return false, nil
}

// deferForQuota pushes an operation whose account ran out of quota between
// scheduling and execution to the next operational day. Deferral is normal
// control flow, not a failure.
func (e *Engine) deferForQuota(ctx context.Context, op *domain.ScheduledOperation, account *domain.Account) error {
	now := e.now().UTC()
	op.Status = domain.OperationStatusScheduled
	op.ScheduledTime = startOfNextOperationalDay(now, account)
	op.DispatchedAt = nil
	op.UpdatedAt = now
	if err := e.ops.Update(ctx, op); err != nil {
		return fmt.Errorf("scheduler: defer for quota: %w", err)
	}
	e.appendAudit(ctx, audit.Record{
		Category:    audit.CategoryScheduling,
		EntityID:    op.ID.String(),
		Description: fmt.Sprintf("quota exhausted for account %s, deferred to %s", account.ID, op.ScheduledTime.Format(time.RFC3339)),
		Metadata:    map[string]any{"account_id": account.ID},
		Success:     true,
		OccurredAt:  now,
	})
	return nil
}

// HandleRetry reschedules a failed operation with exponential backoff
// (1h, 2h, 4h, ...). Once retries are exhausted the failure is terminal and
// the function reports false.
func (e *Engine) HandleRetry(ctx context.Context, id uuid.UUID) (bool, error) {
	op, err := e.ops.Get(ctx, id)
	if err != nil {
		return false, err
	}
	// Only a failed operation may retry; completed and cancelled are
	// terminal, and scheduled or in-progress work has nothing to retry.
	if op.Status != domain.OperationStatusFailed {
		return false, fmt.Errorf("%w: operation %s is %s, only failed operations retry", apperrors.ErrConflict, id, op.Status)
	}

	// MaxRetries caps total execution attempts; attempt N+1 has already
	// failed when retry N is requested.
	now := e.now().UTC()
	if op.Request.RetryCount+1 >= op.Request.MaxRetries {
		e.appendAudit(ctx, audit.Record{
			Category:    audit.CategoryRetry,
			EntityID:    op.ID.String(),
			Description: fmt.Sprintf("retries exhausted after %d attempts", op.Request.RetryCount+1),
			Success:     false,
			OccurredAt:  now,
		})
		return false, nil
	}

	account, err := e.registry.Get(ctx, op.Request.AccountID)
	if err != nil {
		return false, err
	}

	backoff := time.Duration(1<<uint(op.Request.RetryCount)) * time.Hour
	retryAfter := now.Add(backoff)

	// Resolve the new scheduled time before touching the record, so a
	// scheduling failure leaves the operation untouched in failed.
	scheduledTime, deferred, err := e.computeScheduledTime(ctx, account, op.Request, retryAfter)
	if err != nil {
		return false, err
	}

	op.Status = domain.OperationStatusRetrying
	op.RetryAfter = &retryAfter
	op.Request.RetryCount++
	op.UpdatedAt = now
	if err := e.ops.Update(ctx, op); err != nil {
		return false, fmt.Errorf("scheduler: mark retrying: %w", err)
	}

	op.Status = domain.OperationStatusScheduled
	op.ScheduledTime = scheduledTime
	op.DispatchedAt = nil
	op.UpdatedAt = e.now().UTC()
	if err := e.ops.Update(ctx, op); err != nil {
		return false, fmt.Errorf("scheduler: reschedule retry: %w", err)
	}

	e.appendAudit(ctx, audit.Record{
		Category:    audit.CategoryRetry,
		EntityID:    op.ID.String(),
		Description: fmt.Sprintf("retry %d/%d scheduled for %s", op.Request.RetryCount, op.Request.MaxRetries, scheduledTime.Format(time.RFC3339)),
		Metadata: map[string]any{
			"retry_after":    retryAfter.Format(time.RFC3339),
			"backoff_hours":  backoff.Hours(),
			"quota_deferred": deferred,
		},
		Success:    true,
		OccurredAt: now,
	})
	return true, nil
}

// RescheduleCampaign shifts every still-scheduled operation of the campaign
// by delayHours, leaving in-progress and terminal operations untouched.
func (e *Engine) RescheduleCampaign(ctx context.Context, campaignID uuid.UUID, delayHours int) (int64, error) {
	count, err := e.ops.ShiftScheduled(ctx, campaignID, time.Duration(delayHours)*time.Hour)
	if err != nil {
		return 0, fmt.Errorf("scheduler: reschedule campaign: %w", err)
	}

	now := e.now().UTC()
	e.appendAudit(ctx, audit.Record{
		Category:    audit.CategoryReschedule,
		EntityID:    campaignID.String(),
		Description: fmt.Sprintf("shifted %d operations by %dh", count, delayHours),
		Metadata:    map[string]any{"delay_hours": delayHours, "affected": count},
		Success:     true,
		OccurredAt:  now,
	})
	return count, nil
}

// CancelOperation moves an operation into the cancelled terminal state.
// Cancelling does not release quota: usage is only consumed at execution
// time, and a cancelled operation never executed.
func (e *Engine) CancelOperation(ctx context.Context, id uuid.UUID) error {
	op, err := e.ops.Get(ctx, id)
	if err != nil {
		return err
	}
	switch op.Status {
	case domain.OperationStatusCompleted, domain.OperationStatusFailed, domain.OperationStatusCancelled:
		return fmt.Errorf("%w: operation %s already %s", apperrors.ErrConflict, id, op.Status)
	}

	now := e.now().UTC()
	op.Status = domain.OperationStatusCancelled
	op.UpdatedAt = now
	if err := e.ops.Update(ctx, op); err != nil {
		return fmt.Errorf("scheduler: cancel: %w", err)
	}

	e.appendAudit(ctx, audit.Record{
		Category:    audit.CategoryCancellation,
		EntityID:    op.ID.String(),
		Description: fmt.Sprintf("cancelled %s for account %s", op.Request.Kind, op.Request.AccountID),
		Success:     true,
		OccurredAt:  now,
	})
	return nil
}

// ScheduleStatus summarizes a campaign's operations by status.
func (e *Engine) ScheduleStatus(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignScheduleStatus, error) {
	counts, next, err := e.ops.CampaignStatusCounts(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: schedule status: %w", err)
	}
	return &domain.CampaignScheduleStatus{
		CampaignID:    campaignID,
		Counts:        counts,
		NextScheduled: next,
	}, nil
}

// GetOperation loads one operation.
func (e *Engine) GetOperation(ctx context.Context, id uuid.UUID) (*domain.ScheduledOperation, error) {
	return e.ops.Get(ctx, id)
}

// DispatchMessageFor builds the queue payload for an operation.
func (e *Engine) DispatchMessageFor(op *domain.ScheduledOperation) queue.DispatchMessage {
	return queue.DispatchMessage{
		OperationID: op.ID,
		Kind:        string(op.Request.Kind),
		AccountID:   op.Request.AccountID,
		CampaignID:  op.Request.CampaignID,
		ContactID:   op.Request.ContactID,
		Priority:    op.Request.Priority,
		Attempt:     op.Request.RetryCount + 1,
		MaxRetries:  op.Request.MaxRetries,
		Metadata:    op.Request.Metadata,
		EnqueuedAt:  e.now().UTC(),
	}
}

func (e *Engine) appendAudit(ctx context.Context, record audit.Record) {
	if err := e.sink.Append(ctx, record); err != nil {
		e.logger.Warn("scheduler: audit append failed", zap.Error(err), zap.String("entity_id", record.EntityID))
	}
}

func withinOperationalHours(utc time.Time, account *domain.Account) bool {
	return account.Hours.Contains(utc.In(account.Location()))
}

// nextOperationalWindow returns utc unchanged when it already falls inside
// the account's hours; otherwise the start of the nearest operational day,
// same-day when the window has not opened yet.
func nextOperationalWindow(utc time.Time, account *domain.Account) time.Time {
	if withinOperationalHours(utc, account) {
		return utc
	}

	loc := account.Location()
	local := utc.In(loc)
	if account.Hours.AllowsDay(local.Weekday()) && local.Hour() < account.Hours.StartHour {
		return time.Date(local.Year(), local.Month(), local.Day(), account.Hours.StartHour, 0, 0, 0, loc).UTC()
	}

	for i := 0; i < 14; i++ {
		local = local.AddDate(0, 0, 1)
		if account.Hours.AllowsDay(local.Weekday()) {
			return time.Date(local.Year(), local.Month(), local.Day(), account.Hours.StartHour, 0, 0, 0, loc).UTC()
		}
	}
	return utc
}

// startOfNextOperationalDay always advances at least one day; quota
// deferrals land at the opening hour of the following operational day.
func startOfNextOperationalDay(utc time.Time, account *domain.Account) time.Time {
	loc := account.Location()
	local := utc.In(loc)
	for i := 0; i < 14; i++ {
		local = local.AddDate(0, 0, 1)
		if account.Hours.AllowsDay(local.Weekday()) {
			return time.Date(local.Year(), local.Month(), local.Day(), account.Hours.StartHour, 0, 0, 0, loc).UTC()
		}
	}
	return utc.AddDate(0, 0, 1)
}
