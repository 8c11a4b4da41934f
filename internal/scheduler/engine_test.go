package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/linkedin-outreach/internal/domain"
	"github.com/acme/linkedin-outreach/internal/provider"
	"github.com/acme/linkedin-outreach/internal/queue"
	"github.com/acme/linkedin-outreach/internal/registry"
	"github.com/acme/linkedin-outreach/internal/repository"
	apperrors "github.com/acme/linkedin-outreach/pkg/errors"
	"github.com/acme/linkedin-outreach/pkg/logger"
)

// in-memory fakes

type memAccountRepo struct {
	accounts map[string]*domain.Account
	getErr   error // returned by Get once getsLeft reads have been spent
	getsLeft int
}

func newMemAccountRepo() *memAccountRepo {
	return &memAccountRepo{accounts: make(map[string]*domain.Account)}
}

func (m *memAccountRepo) Upsert(_ context.Context, account *domain.Account) error {
	m.accounts[account.ID] = cloneAccount(account)
	return nil
}

func (m *memAccountRepo) Get(_ context.Context, id string) (*domain.Account, error) {
	if m.getErr != nil {
		if m.getsLeft == 0 {
			return nil, m.getErr
		}
		m.getsLeft--
	}
	account, ok := m.accounts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneAccount(account), nil
}

func (m *memAccountRepo) Update(_ context.Context, account *domain.Account) error {
	if _, ok := m.accounts[account.ID]; !ok {
		return repository.ErrNotFound
	}
	m.accounts[account.ID] = cloneAccount(account)
	return nil
}

func (m *memAccountRepo) List(_ context.Context, limit int) ([]*domain.Account, error) {
	out := make([]*domain.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, cloneAccount(a))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func cloneAccount(a *domain.Account) *domain.Account {
	cp := *a
	cp.DailyQuotas = make(map[domain.QuotaKey]int, len(a.DailyQuotas))
	for k, v := range a.DailyQuotas {
		cp.DailyQuotas[k] = v
	}
	cp.Usage = make(map[domain.QuotaKey]int, len(a.Usage))
	for k, v := range a.Usage {
		cp.Usage[k] = v
	}
	cp.Hours.Days = append([]time.Weekday(nil), a.Hours.Days...)
	return &cp
}

type memOpRepo struct {
	ops map[uuid.UUID]*domain.ScheduledOperation
}

func newMemOpRepo() *memOpRepo {
	return &memOpRepo{ops: make(map[uuid.UUID]*domain.ScheduledOperation)}
}

func (m *memOpRepo) Create(_ context.Context, op *domain.ScheduledOperation) error {
	if _, ok := m.ops[op.ID]; ok {
		return repository.ErrConflict
	}
	m.ops[op.ID] = cloneOp(op)
	return nil
}

func (m *memOpRepo) Get(_ context.Context, id uuid.UUID) (*domain.ScheduledOperation, error) {
	op, ok := m.ops[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneOp(op), nil
}

func (m *memOpRepo) Update(_ context.Context, op *domain.ScheduledOperation) error {
	if _, ok := m.ops[op.ID]; !ok {
		return repository.ErrNotFound
	}
	m.ops[op.ID] = cloneOp(op)
	return nil
}

func (m *memOpRepo) ListDue(_ context.Context, at time.Time, limit int) ([]*domain.ScheduledOperation, error) {
	var due []*domain.ScheduledOperation
	for _, op := range m.ops {
		if op.Status == domain.OperationStatusScheduled && !op.ScheduledTime.After(at) {
			due = append(due, cloneOp(op))
		}
	}
	SortDue(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *memOpRepo) ListByCampaign(_ context.Context, campaignID uuid.UUID, status *domain.OperationStatus, limit int) ([]*domain.ScheduledOperation, error) {
	var out []*domain.ScheduledOperation
	for _, op := range m.ops {
		if op.Request.CampaignID != campaignID {
			continue
		}
		if status != nil && op.Status != *status {
			continue
		}
		out = append(out, cloneOp(op))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memOpRepo) ShiftScheduled(_ context.Context, campaignID uuid.UUID, delta time.Duration) (int64, error) {
	var n int64
	for _, op := range m.ops {
		if op.Request.CampaignID == campaignID && op.Status == domain.OperationStatusScheduled {
			op.ScheduledTime = op.ScheduledTime.Add(delta)
			n++
		}
	}
	return n, nil
}

func (m *memOpRepo) CampaignStatusCounts(_ context.Context, campaignID uuid.UUID) (map[domain.OperationStatus]int64, *time.Time, error) {
	counts := make(map[domain.OperationStatus]int64)
	var next *time.Time
	for _, op := range m.ops {
		if op.Request.CampaignID != campaignID {
			continue
		}
		counts[op.Status]++
		if op.Status == domain.OperationStatusScheduled {
			if next == nil || op.ScheduledTime.Before(*next) {
				ts := op.ScheduledTime
				next = &ts
			}
		}
	}
	return counts, next, nil
}

func cloneOp(op *domain.ScheduledOperation) *domain.ScheduledOperation {
	cp := *op
	return &cp
}

type stubProvider struct {
	result provider.Result
	err    error
	calls  int
}

func (s *stubProvider) Perform(_ context.Context, _ queue.DispatchMessage) (provider.Result, error) {
	s.calls++
	return s.result, s.err
}

// fixture

type fixture struct {
	engine   *Engine
	registry *registry.Registry
	accounts *memAccountRepo
	ops      *memOpRepo
	provider *stubProvider
	now      time.Time
}

// newFixture builds an engine over in-memory stores with a fixed clock and a
// degenerate delay window (one nanosecond wide, no jitter) so scheduled times
// are exact.
func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()

	accounts := newMemAccountRepo()
	ops := newMemOpRepo()
	clock := func() time.Time { return now }
	reg := registry.New(accounts, 0, registry.Clock(clock))
	prov := &stubProvider{result: provider.Result{Success: true, TrackingID: "trk-1"}}

	lg := &logger.Logger{Logger: zap.NewNop()}
	engine := NewEngine(ops, reg, prov, nil, lg, Options{
		DefaultDelay: domain.DelayPattern{MinDelay: 10 * time.Minute, MaxDelay: 10*time.Minute + time.Nanosecond},
		Clock:        Clock(clock),
		Rand:         rand.New(rand.NewSource(1)),
	})

	return &fixture{
		engine:   engine,
		registry: reg,
		accounts: accounts,
		ops:      ops,
		provider: prov,
		now:      now,
	}
}

func (f *fixture) registerAccount(t *testing.T, quotas map[domain.QuotaKey]int) {
	t.Helper()
	account := &domain.Account{
		ID:       "acct-1",
		TimeZone: "America/New_York",
		Hours: domain.OperationalHours{
			Days:      []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
			StartHour: 9,
			EndHour:   17,
		},
		DailyQuotas: quotas,
		Active:      true,
		Delay:       domain.DelayPattern{MinDelay: 10 * time.Minute, MaxDelay: 10*time.Minute + time.Nanosecond},
	}
	if err := f.registry.Register(context.Background(), account); err != nil {
		t.Fatalf("register account: %v", err)
	}
}

func scheduleRequest(kind domain.OperationKind) domain.ScheduleRequest {
	return domain.ScheduleRequest{
		Kind:      kind,
		ContactID: "contact-1",
		AccountID: "acct-1",
		Priority:  3,
	}
}

// tests

func TestScheduleOperationWithinOperationalHours(t *testing.T) {
	// Tuesday 2025-06-10 15:00 UTC is 11:00 in New York.
	now := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.registerAccount(t, map[domain.QuotaKey]int{domain.QuotaProfileViews: 10})

	op, err := f.engine.ScheduleOperation(context.Background(), scheduleRequest(domain.OperationProfileView))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	want := now.Add(10 * time.Minute)
	if !op.ScheduledTime.Equal(want) {
		t.Errorf("scheduled time = %v, want %v", op.ScheduledTime, want)
	}
	if op.Status != domain.OperationStatusScheduled {
		t.Errorf("status = %s, want scheduled", op.Status)
	}
	if op.EstimatedDuration != 30*time.Second {
		t.Errorf("estimated duration = %v, want 30s", op.EstimatedDuration)
	}
}

func TestScheduleOperationOutsideOperationalHours(t *testing.T) {
	// Monday 2025-06-09 22:00 in New York (02:00 UTC Tuesday): the window
	// reopens Tuesday 09:00 local, 13:00 UTC.
	now := time.Date(2025, 6, 10, 2, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.registerAccount(t, map[domain.QuotaKey]int{domain.QuotaProfileViews: 10})

	op, err := f.engine.ScheduleOperation(context.Background(), scheduleRequest(domain.OperationProfileView))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	want := time.Date(2025, 6, 10, 13, 10, 0, 0, time.UTC)
	if !op.ScheduledTime.Equal(want) {
		t.Errorf("scheduled time = %v, want %v", op.ScheduledTime, want)
	}
}

func TestScheduleOperationConnectionRequestSpacing(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.registerAccount(t, map[domain.QuotaKey]int{domain.QuotaConnections: 10})

	op, err := f.engine.ScheduleOperation(context.Background(), scheduleRequest(domain.OperationConnectionRequest))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Connection requests run with a 1.5x spacing multiplier: 10m -> 15m.
	want := now.Add(15 * time.Minute)
	if !op.ScheduledTime.Equal(want) {
		t.Errorf("scheduled time = %v, want %v", op.ScheduledTime, want)
	}
}

func TestScheduleOperationDefersWhenQuotaSpent(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.registerAccount(t, map[domain.QuotaKey]int{domain.QuotaProfileViews: 1})

	ctx := context.Background()
	if err := f.registry.RecordUsage(ctx, "acct-1", domain.OperationProfileView); err != nil {
		t.Fatalf("record usage: %v", err)
	}

	op, err := f.engine.ScheduleOperation(ctx, scheduleRequest(domain.OperationProfileView))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Deferral lands exactly at the next operational day's opening hour,
	// Wednesday 09:00 New York, with no delay added on top.
	want := time.Date(2025, 6, 11, 13, 0, 0, 0, time.UTC)
	if !op.ScheduledTime.Equal(want) {
		t.Errorf("scheduled time = %v, want %v", op.ScheduledTime, want)
	}
}

func TestScheduleOperationPrefersOptimalHours(t *testing.T) {
	// 16:20 UTC is 12:20 in New York; the 10m delay lands in the lunch dip,
	// and the first optimal hour within the horizon is 14:00 local.
	now := time.Date(2025, 6, 10, 16, 20, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.registerAccount(t, map[domain.QuotaKey]int{domain.QuotaProfileViews: 10})

	req := scheduleRequest(domain.OperationProfileView)
	req.MaxDelayHours = 4

	op, err := f.engine.ScheduleOperation(context.Background(), req)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	want := time.Date(2025, 6, 10, 18, 30, 0, 0, time.UTC)
	if !op.ScheduledTime.Equal(want) {
		t.Errorf("scheduled time = %v, want %v", op.ScheduledTime, want)
	}
}

func TestScheduleOperationPreferredTime(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.registerAccount(t, map[domain.QuotaKey]int{domain.QuotaProfileViews: 10})

	preferred := time.Date(2025, 6, 12, 14, 0, 0, 0, time.UTC)
	req := scheduleRequest(domain.OperationProfileView)
	req.PreferredTime = &preferred

	op, err := f.engine.ScheduleOperation(context.Background(), req)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	want := preferred.Add(10 * time.Minute)
	if !op.ScheduledTime.Equal(want) {
		t.Errorf("scheduled time = %v, want %v", op.ScheduledTime, want)
	}
}

func TestScheduleOperationValidation(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.registerAccount(t, map[domain.QuotaKey]int{domain.QuotaProfileViews: 10})
	ctx := context.Background()

	req := scheduleRequest("carrier_pigeon")
	if _, err := f.engine.ScheduleOperation(ctx, req); !apperrors.Is(err, apperrors.ErrInvalidOperationType) {
		t.Errorf("expected ErrInvalidOperationType, got %v", err)
	}

	req = scheduleRequest(domain.OperationProfileView)
	req.AccountID = "ghost"
	if _, err := f.engine.ScheduleOperation(ctx, req); !apperrors.Is(err, apperrors.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestScheduleOperationDefaultsPriority(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.registerAccount(t, map[domain.QuotaKey]int{domain.QuotaProfileViews: 10})

	for _, priority := range []int{0, -1, 6, 42} {
		req := scheduleRequest(domain.OperationProfileView)
		req.Priority = priority
		op, err := f.engine.ScheduleOperation(context.Background(), req)
		if err != nil {
			t.Fatalf("schedule: %v", err)
		}
		if op.Request.Priority != 3 {
			t.Errorf("priority %d: defaulted to %d, want 3", priority, op.Request.Priority)
		}
		if op.Request.MaxRetries != 3 {
			t.Errorf("priority %d: max retries defaulted to %d, want 3", priority, op.Request.MaxRetries)
		}
	}
}

func TestSortDueOrdering(t *testing.T) {
	base := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	idA := uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	idB := uuid.MustParse("00000000-0000-0000-0000-00000000000b")

	ops := []*domain.ScheduledOperation{
		{ID: idB, Request: domain.ScheduleRequest{Priority: 2}, ScheduledTime: base},
		{ID: idA, Request: domain.ScheduleRequest{Priority: 2}, ScheduledTime: base},
		{ID: uuid.New(), Request: domain.ScheduleRequest{Priority: 2}, ScheduledTime: base.Add(-time.Hour)},
		{ID: uuid.New(), Request: domain.ScheduleRequest{Priority: 1}, ScheduledTime: base.Add(time.Hour)},
	}
	SortDue(ops)

	if ops[0].Request.Priority != 1 {
		t.Fatalf("expected priority 1 first, got %d", ops[0].Request.Priority)
	}
	if !ops[1].ScheduledTime.Equal(base.Add(-time.Hour)) {
		t.Fatalf("expected earliest priority-2 operation second")
	}
	if ops[2].ID != idA || ops[3].ID != idB {
		t.Fatalf("expected id tie-break ordering, got %s then %s", ops[2].ID, ops[3].ID)
	}
}

func TestOperationsDueFiltersByTime(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.registerAccount(t, map[domain.QuotaKey]int{domain.QuotaProfileViews: 10})
	ctx := context.Background()

	op, err := f.engine.ScheduleOperation(ctx, scheduleRequest(domain.OperationProfileView))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	due, err := f.engine.OperationsDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected nothing due yet, got %d", len(due))
	}

	due, err = f.engine.OperationsDue(ctx, op.ScheduledTime, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].ID != op.ID {
		t.Fatalf("expected the scheduled operation to be due at its time")
	}
}

func TestExecuteOperationSuccess(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.registerAccount(t, map[domain.QuotaKey]int{domain.QuotaProfileViews: 10})
	ctx := context.Background()

	op, err := f.engine.ScheduleOperation(ctx, scheduleRequest(domain.OperationProfileView))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	success, err := f.engine.ExecuteOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !success {
		t.Fatal("expected execution success")
	}

	stored, _ := f.ops.Get(ctx, op.ID)
	if stored.Status != domain.OperationStatusCompleted {
		t.Errorf("status = %s, want completed", stored.Status)
	}
	if stored.ProviderRef == nil || *stored.ProviderRef != "trk-1" {
		t.Errorf("expected provider ref trk-1, got %v", stored.ProviderRef)
	}

	account, _ := f.accounts.Get(ctx, "acct-1")
	if account.Usage[domain.QuotaProfileViews] != 1 {
		t.Errorf("expected one profile view consumed, got %d", account.Usage[domain.QuotaProfileViews])
	}
}

func TestExecuteOperationFailureReleasesQuota(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.registerAccount(t, map[domain.QuotaKey]int{domain.QuotaProfileViews: 10})
	ctx := context.Background()

	op, err := f.engine.ScheduleOperation(ctx, scheduleRequest(domain.OperationProfileView))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	f.provider.result = provider.Result{Success: false, Retryable: true, Error: "challenge page"}

	success, err := f.engine.ExecuteOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if success {
		t.Fatal("expected execution failure")
	}

	stored, _ := f.ops.Get(ctx, op.ID)
	if stored.Status != domain.OperationStatusFailed {
		t.Errorf("status = %s, want failed", stored.Status)
	}
	if stored.FailureReason == nil || *stored.FailureReason != "challenge page" {
		t.Errorf("failure reason = %v, want challenge page", stored.FailureReason)
	}

	account, _ := f.accounts.Get(ctx, "acct-1")
	if account.Usage[domain.QuotaProfileViews] != 0 {
		t.Errorf("expected reserved usage returned, got %d", account.Usage[domain.QuotaProfileViews])
	}
}

func TestExecuteOperationDefersOnExhaustedQuota(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.registerAccount(t, map[domain.QuotaKey]int{domain.QuotaProfileViews: 1})
	ctx := context.Background()

	op, err := f.engine.ScheduleOperation(ctx, scheduleRequest(domain.OperationProfileView))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Quota is consumed by something else between scheduling and execution.
	if err := f.registry.RecordUsage(ctx, "acct-1", domain.OperationProfileView); err != nil {
		t.Fatalf("record usage: %v", err)
	}

	success, err := f.engine.ExecuteOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if success {
		t.Fatal("expected deferral, not success")
	}
	if f.provider.calls != 0 {
		t.Fatal("provider must not be called without quota")
	}

	stored, _ := f.ops.Get(ctx, op.ID)
	if stored.Status != domain.OperationStatusScheduled {
		t.Errorf("status = %s, want scheduled", stored.Status)
	}
	want := time.Date(2025, 6, 11, 13, 0, 0, 0, time.UTC)
	if !stored.ScheduledTime.Equal(want) {
		t.Errorf("deferred time = %v, want %v", stored.ScheduledTime, want)
	}
}

func TestExecuteOperationRejectsWrongState(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.registerAccount(t, map[domain.QuotaKey]int{domain.QuotaProfileViews: 10})
	ctx := context.Background()

	op, err := f.engine.ScheduleOperation(ctx, scheduleRequest(domain.OperationProfileView))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := f.engine.ExecuteOperation(ctx, op.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// Completed operations are not executable again.
	if _, err := f.engine.ExecuteOperation(ctx, op.ID); !apperrors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestHandleRetryExponentialBackoff(t *testing.T) {
	now := time.Date(2025, 6, 10, 13, 30, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.registerAccount(t, map[domain.QuotaKey]int{domain.QuotaProfileViews: 10})
	ctx := context.Background()

	op, err := f.engine.ScheduleOperation(ctx, scheduleRequest(domain.OperationProfileView))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	f.provider.result = provider.Result{Success: false, Error: "timeout"}
	if _, err := f.engine.ExecuteOperation(ctx, op.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// First retry backs off one hour.
	rescheduled, err := f.engine.HandleRetry(ctx, op.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !rescheduled {
		t.Fatal("expected retry to be scheduled")
	}

	stored, _ := f.ops.Get(ctx, op.ID)
	if stored.Status != domain.OperationStatusScheduled {
		t.Errorf("status = %s, want scheduled", stored.Status)
	}
	if stored.Request.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", stored.Request.RetryCount)
	}
	if stored.RetryAfter == nil || !stored.RetryAfter.Equal(now.Add(time.Hour)) {
		t.Errorf("retry after = %v, want %v", stored.RetryAfter, now.Add(time.Hour))
	}
	// The new scheduled time starts at retry-after plus the delay.
	want := now.Add(time.Hour).Add(10 * time.Minute)
	if !stored.ScheduledTime.Equal(want) {
		t.Errorf("scheduled time = %v, want %v", stored.ScheduledTime, want)
	}
}

func TestHandleRetryBackoffDoubles(t *testing.T) {
	now := time.Date(2025, 6, 10, 13, 30, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.registerAccount(t, map[domain.QuotaKey]int{domain.QuotaProfileViews: 10})
	ctx := context.Background()

	op, err := f.engine.ScheduleOperation(ctx, scheduleRequest(domain.OperationProfileView))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Simulate a third failure with headroom left in the retry budget.
	stored, _ := f.ops.Get(ctx, op.ID)
	stored.Status = domain.OperationStatusFailed
	stored.Request.RetryCount = 2
	stored.Request.MaxRetries = 5
	if err := f.ops.Update(ctx, stored); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := f.engine.HandleRetry(ctx, op.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}

	stored, _ = f.ops.Get(ctx, op.ID)
	// 2^2 = 4 hours of backoff.
	if stored.RetryAfter == nil || !stored.RetryAfter.Equal(now.Add(4*time.Hour)) {
		t.Errorf("retry after = %v, want %v", stored.RetryAfter, now.Add(4*time.Hour))
	}
	if stored.Request.RetryCount != 3 {
		t.Errorf("retry count = %d, want 3", stored.Request.RetryCount)
	}
}

func TestHandleRetryExhausted(t *testing.T) {
	now := time.Date(2025, 6, 10, 13, 30, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.registerAccount(t, map[domain.QuotaKey]int{domain.QuotaProfileViews: 10})
	ctx := context.Background()

	op, err := f.engine.ScheduleOperation(ctx, scheduleRequest(domain.OperationProfileView))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	stored, _ := f.ops.Get(ctx, op.ID)
	stored.Status = domain.OperationStatusFailed
	stored.Request.RetryCount = stored.Request.MaxRetries
	if err := f.ops.Update(ctx, stored); err != nil {
		t.Fatalf("update: %v", err)
	}

	rescheduled, err := f.engine.HandleRetry(ctx, op.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if rescheduled {
		t.Fatal("expected retries to be exhausted")
	}

	stored, _ = f.ops.Get(ctx, op.ID)
	if stored.Status != domain.OperationStatusFailed {
		t.Errorf("status = %s, want terminal failed", stored.Status)
	}
}

func TestRetryLifecycleTerminates(t *testing.T) {
	now := time.Date(2025, 6, 10, 13, 30, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.registerAccount(t, map[domain.QuotaKey]int{domain.QuotaProfileViews: 10})
	ctx := context.Background()

	op, err := f.engine.ScheduleOperation(ctx, scheduleRequest(domain.OperationProfileView))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	f.provider.result = provider.Result{Success: false, Error: "timeout"}

	// Three failed attempts; the first two retry calls reschedule, the
	// third exhausts the budget of three attempts.
	for attempt := 1; attempt <= 3; attempt++ {
		success, err := f.engine.ExecuteOperation(ctx, op.ID)
		if err != nil {
			t.Fatalf("execute attempt %d: %v", attempt, err)
		}
		if success {
			t.Fatalf("attempt %d: expected failure", attempt)
		}

		rescheduled, err := f.engine.HandleRetry(ctx, op.ID)
		if err != nil {
			t.Fatalf("retry %d: %v", attempt, err)
		}
		if attempt < 3 && !rescheduled {
			t.Fatalf("retry %d: expected reschedule", attempt)
		}
		if attempt == 3 && rescheduled {
			t.Fatal("retry 3: expected terminal failure")
		}
	}

	stored, _ := f.ops.Get(ctx, op.ID)
	if stored.Status != domain.OperationStatusFailed {
		t.Fatalf("status = %s, want terminal failed", stored.Status)
	}

	// Further retry calls are no-ops.
	rescheduled, err := f.engine.HandleRetry(ctx, op.ID)
	if err != nil {
		t.Fatalf("retry after terminal: %v", err)
	}
	if rescheduled {
		t.Fatal("expected terminal state to stay terminal")
	}
	after, _ := f.ops.Get(ctx, op.ID)
	if after.Status != domain.OperationStatusFailed {
		t.Fatalf("status = %s, want failed", after.Status)
	}
}

func TestHandleRetryRejectsTerminalStates(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.registerAccount(t, map[domain.QuotaKey]int{domain.QuotaProfileViews: 10})
	ctx := context.Background()

	completed, err := f.engine.ScheduleOperation(ctx, scheduleRequest(domain.OperationProfileView))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := f.engine.ExecuteOperation(ctx, completed.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if _, err := f.engine.HandleRetry(ctx, completed.ID); !apperrors.Is(err, apperrors.ErrConflict) {
		t.Errorf("retry on completed: err = %v, want conflict", err)
	}
	stored, _ := f.ops.Get(ctx, completed.ID)
	if stored.Status != domain.OperationStatusCompleted {
		t.Errorf("status = %s, want completed to stay terminal", stored.Status)
	}

	cancelled, err := f.engine.ScheduleOperation(ctx, scheduleRequest(domain.OperationProfileView))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := f.engine.CancelOperation(ctx, cancelled.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if _, err := f.engine.HandleRetry(ctx, cancelled.ID); !apperrors.Is(err, apperrors.ErrConflict) {
		t.Errorf("retry on cancelled: err = %v, want conflict", err)
	}
	stored, _ = f.ops.Get(ctx, cancelled.ID)
	if stored.Status != domain.OperationStatusCancelled {
		t.Errorf("status = %s, want cancelled to stay terminal", stored.Status)
	}
}

func TestHandleRetrySchedulingFailureLeavesOperationUntouched(t *testing.T) {
	now := time.Date(2025, 6, 10, 13, 30, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.registerAccount(t, map[domain.QuotaKey]int{domain.QuotaProfileViews: 10})
	ctx := context.Background()

	op, err := f.engine.ScheduleOperation(ctx, scheduleRequest(domain.OperationProfileView))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	stored, _ := f.ops.Get(ctx, op.ID)
	stored.Status = domain.OperationStatusFailed
	if err := f.ops.Update(ctx, stored); err != nil {
		t.Fatalf("update: %v", err)
	}
	before, _ := f.ops.Get(ctx, op.ID)

	// The retry path reads the account twice: once to resolve it and once
	// inside the quota check. Let the first read through, fail the second.
	f.accounts.getErr = errors.New("account store offline")
	f.accounts.getsLeft = 1

	if _, err := f.engine.HandleRetry(ctx, op.ID); err == nil {
		t.Fatal("expected retry to surface the store error")
	}

	after, _ := f.ops.Get(ctx, op.ID)
	if after.Status != domain.OperationStatusFailed {
		t.Errorf("status = %s, want failed", after.Status)
	}
	if after.Request.RetryCount != before.Request.RetryCount {
		t.Errorf("retry count = %d, want %d", after.Request.RetryCount, before.Request.RetryCount)
	}
	if after.RetryAfter != nil {
		t.Errorf("retry after = %v, want unset", after.RetryAfter)
	}
	if !after.ScheduledTime.Equal(before.ScheduledTime) {
		t.Errorf("scheduled time = %v, want %v", after.ScheduledTime, before.ScheduledTime)
	}
}

func TestDispatchMessageUsesEngineClock(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.registerAccount(t, map[domain.QuotaKey]int{domain.QuotaProfileViews: 10})
	ctx := context.Background()

	op, err := f.engine.ScheduleOperation(ctx, scheduleRequest(domain.OperationProfileView))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	msg := f.engine.DispatchMessageFor(op)
	if !msg.EnqueuedAt.Equal(now) {
		t.Errorf("enqueued at = %v, want %v", msg.EnqueuedAt, now)
	}
	if msg.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", msg.Attempt)
	}
}

func TestCancelOperation(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.registerAccount(t, map[domain.QuotaKey]int{domain.QuotaProfileViews: 10})
	ctx := context.Background()

	op, err := f.engine.ScheduleOperation(ctx, scheduleRequest(domain.OperationProfileView))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if err := f.engine.CancelOperation(ctx, op.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	stored, _ := f.ops.Get(ctx, op.ID)
	if stored.Status != domain.OperationStatusCancelled {
		t.Errorf("status = %s, want cancelled", stored.Status)
	}

	// Terminal states reject cancellation.
	if err := f.engine.CancelOperation(ctx, op.ID); !apperrors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// Cancellation never returns quota: none was consumed to begin with.
	account, _ := f.accounts.Get(ctx, "acct-1")
	if account.Usage[domain.QuotaProfileViews] != 0 {
		t.Errorf("expected untouched usage, got %d", account.Usage[domain.QuotaProfileViews])
	}
}

func TestRescheduleCampaignShiftsScheduledOnly(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.registerAccount(t, map[domain.QuotaKey]int{domain.QuotaProfileViews: 10})
	ctx := context.Background()

	campaignID := uuid.New()

	var ids []uuid.UUID
	for i := 0; i < 2; i++ {
		req := scheduleRequest(domain.OperationProfileView)
		req.CampaignID = campaignID
		op, err := f.engine.ScheduleOperation(ctx, req)
		if err != nil {
			t.Fatalf("schedule %d: %v", i, err)
		}
		ids = append(ids, op.ID)
	}

	// One operation already ran; it must not move.
	req := scheduleRequest(domain.OperationProfileView)
	req.CampaignID = campaignID
	done, err := f.engine.ScheduleOperation(ctx, req)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := f.engine.ExecuteOperation(ctx, done.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	before := make(map[uuid.UUID]time.Time)
	for _, id := range ids {
		op, _ := f.ops.Get(ctx, id)
		before[id] = op.ScheduledTime
	}

	affected, err := f.engine.RescheduleCampaign(ctx, campaignID, 24)
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if affected != 2 {
		t.Fatalf("affected = %d, want 2", affected)
	}

	for _, id := range ids {
		op, _ := f.ops.Get(ctx, id)
		if !op.ScheduledTime.Equal(before[id].Add(24 * time.Hour)) {
			t.Errorf("operation %s not shifted by 24h", id)
		}
	}
	doneOp, _ := f.ops.Get(ctx, done.ID)
	if doneOp.Status != domain.OperationStatusCompleted {
		t.Fatalf("completed operation changed status: %s", doneOp.Status)
	}

	// A zero-hour shift is a legal no-op.
	if _, err := f.engine.RescheduleCampaign(ctx, campaignID, 0); err != nil {
		t.Fatalf("zero shift: %v", err)
	}
	for _, id := range ids {
		op, _ := f.ops.Get(ctx, id)
		if !op.ScheduledTime.Equal(before[id].Add(24 * time.Hour)) {
			t.Errorf("operation %s moved on zero-hour shift", id)
		}
	}
}

func TestScheduleStatusCounts(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.registerAccount(t, map[domain.QuotaKey]int{domain.QuotaProfileViews: 10})
	ctx := context.Background()

	campaignID := uuid.New()
	req := scheduleRequest(domain.OperationProfileView)
	req.CampaignID = campaignID

	first, err := f.engine.ScheduleOperation(ctx, req)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	second, err := f.engine.ScheduleOperation(ctx, req)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := f.engine.ExecuteOperation(ctx, second.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	status, err := f.engine.ScheduleStatus(ctx, campaignID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Counts[domain.OperationStatusScheduled] != 1 {
		t.Errorf("scheduled count = %d, want 1", status.Counts[domain.OperationStatusScheduled])
	}
	if status.Counts[domain.OperationStatusCompleted] != 1 {
		t.Errorf("completed count = %d, want 1", status.Counts[domain.OperationStatusCompleted])
	}
	if status.NextScheduled == nil || !status.NextScheduled.Equal(first.ScheduledTime) {
		t.Errorf("next scheduled = %v, want %v", status.NextScheduled, first.ScheduledTime)
	}
}

func TestMarkDispatched(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.registerAccount(t, map[domain.QuotaKey]int{domain.QuotaProfileViews: 10})
	ctx := context.Background()

	op, err := f.engine.ScheduleOperation(ctx, scheduleRequest(domain.OperationProfileView))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if err := f.engine.MarkDispatched(ctx, op); err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}
	stored, _ := f.ops.Get(ctx, op.ID)
	if stored.DispatchedAt == nil {
		t.Fatal("expected dispatched-at to be stamped")
	}
	if stored.Status != domain.OperationStatusScheduled {
		t.Fatalf("dispatch must not change status, got %s", stored.Status)
	}
}
