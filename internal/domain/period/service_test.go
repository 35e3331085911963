package period

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tallybook/internal/core/apperror"
	"tallybook/internal/core/id"
	"tallybook/internal/core/types"
	"tallybook/internal/domain/balance"
)

type passthroughTx struct{}

func (passthroughTx) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type memoryRepo struct {
	mu      sync.Mutex
	periods map[string]*Period
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{periods: make(map[string]*Period)}
}

func clonePeriod(p *Period) *Period {
	cp := *p
	if p.Stats != nil {
		st := *p.Stats
		cp.Stats = &st
	}
	return &cp
}

func (r *memoryRepo) Get(ctx context.Context, key string) (*Period, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.periods[key]
	if !ok {
		return nil, apperror.NewNotFound("period", key)
	}
	return clonePeriod(p), nil
}

func (r *memoryRepo) Create(ctx context.Context, p *Period) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.periods[p.Key]; ok {
		return apperror.NewConflict("period already exists").WithDetail("key", p.Key)
	}
	r.periods[p.Key] = clonePeriod(p)
	return nil
}

func (r *memoryRepo) Update(ctx context.Context, p *Period) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.periods[p.Key]
	if !ok {
		return apperror.NewNotFound("period", p.Key)
	}
	if stored.Version != p.Version {
		return apperror.NewConcurrentModification("period", p.Key)
	}
	p.Version++
	r.periods[p.Key] = clonePeriod(p)
	return nil
}

func (r *memoryRepo) List(ctx context.Context) ([]*Period, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Period, 0, len(r.periods))
	for _, p := range r.periods {
		out = append(out, clonePeriod(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

func (r *memoryRepo) ClosedThrough(ctx context.Context) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var through time.Time
	for _, p := range r.periods {
		if p.PostingFrozen() && p.EndDate.After(through) {
			through = p.EndDate
		}
	}
	return through, nil
}

type fakeReconciler struct {
	report *balance.ReconciliationReport
	err    error
}

func (f *fakeReconciler) ReconcileAll(ctx context.Context, autoCorrect bool) (*balance.ReconciliationReport, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.report != nil {
		return f.report, nil
	}
	return &balance.ReconciliationReport{RanAt: time.Now().UTC(), AccountsChecked: 1}, nil
}

type fakeStats struct{ stats balance.PeriodStats }

func (f *fakeStats) PeriodStats(ctx context.Context, from, to time.Time) (balance.PeriodStats, error) {
	return f.stats, nil
}

func newTestService(repo *memoryRepo, rec Reconciler) *Service {
	return NewService(repo, passthroughTx{}, rec, &fakeStats{stats: balance.PeriodStats{
		TransactionCount: 42,
		TotalRevenue:     types.MustMoney("1000"),
		TotalReceivables: types.MustMoney("250"),
	}})
}

func mustEnsure(t *testing.T, svc *Service, key string) *Period {
	t.Helper()
	p, err := svc.EnsurePeriod(context.Background(), key)
	require.NoError(t, err)
	return p
}

func TestEnsurePeriod_CreatesMonthAndIsIdempotent(t *testing.T) {
	svc := newTestService(newMemoryRepo(), &fakeReconciler{})

	p := mustEnsure(t, svc, "2026-03")
	assert.Equal(t, StateOpen, p.State)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), p.StartDate)
	assert.Equal(t, time.Date(2026, 3, 31, 23, 59, 59, 0, time.UTC), p.EndDate)

	again := mustEnsure(t, svc, "2026-03")
	assert.Equal(t, p.Key, again.Key)
}

func TestEnsurePeriod_RejectsBadKey(t *testing.T) {
	svc := newTestService(newMemoryRepo(), &fakeReconciler{})
	_, err := svc.EnsurePeriod(context.Background(), "march-2026")
	require.Error(t, err)
	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeValidation, appErr.Code)
}

func TestClose_HappyPath(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, &fakeReconciler{})
	mustEnsure(t, svc, "2026-03")

	p, err := svc.Close(context.Background(), "2026-03", "controller")
	require.NoError(t, err)

	assert.Equal(t, StateClosed, p.State)
	assert.True(t, p.Reconciled)
	assert.Equal(t, "controller", p.ClosedBy)
	require.NotNil(t, p.ClosedAt)
	require.NotNil(t, p.Stats)
	assert.Equal(t, 42, p.Stats.TransactionCount)
	assert.Equal(t, "1000", p.Stats.TotalRevenue.String())
	assert.Equal(t, "250", p.Stats.TotalReceivables.String())
}

func TestClose_DiscrepancyRevertsToOpen(t *testing.T) {
	repo := newMemoryRepo()
	rec := &fakeReconciler{report: &balance.ReconciliationReport{
		RanAt:           time.Now().UTC(),
		AccountsChecked: 3,
		Discrepancies: []balance.Discrepancy{{
			AccountID: id.New(),
			Field:     "pendingBalance",
			Stored:    types.MustMoney("150"),
			Replayed:  types.MustMoney("100"),
			Diff:      types.MustMoney("50"),
		}},
	}}
	svc := newTestService(repo, rec)
	mustEnsure(t, svc, "2026-03")

	_, err := svc.Close(context.Background(), "2026-03", "controller")
	require.Error(t, err)
	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeReconciliationDiscrepancy, appErr.Code)

	p, err := svc.GetPeriod(context.Background(), "2026-03")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, p.State)
	assert.False(t, p.Reconciled)
	assert.NotEmpty(t, p.FailureReason)
	assert.Nil(t, p.Stats)
}

func TestClose_TrialBalanceFailureReverts(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, &fakeReconciler{}).
		WithTrialBalance(TrialBalanceFunc(func(ctx context.Context, from, to time.Time) error {
			return errors.New("trial balance off by 3.50")
		}))
	mustEnsure(t, svc, "2026-03")

	_, err := svc.Close(context.Background(), "2026-03", "controller")
	require.Error(t, err)

	p, err := svc.GetPeriod(context.Background(), "2026-03")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, p.State)
	assert.Contains(t, p.FailureReason, "trial balance")
}

func TestClose_ClosingEntriesFailureReverts(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, &fakeReconciler{}).
		WithClosingEntries(ClosingEntryFunc(func(ctx context.Context, p *Period) error {
			return errors.New("accrual generation failed")
		}))
	mustEnsure(t, svc, "2026-03")

	_, err := svc.Close(context.Background(), "2026-03", "controller")
	require.Error(t, err)

	p, err := svc.GetPeriod(context.Background(), "2026-03")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, p.State)
	assert.Contains(t, p.FailureReason, "accrual")
}

func TestClose_AlreadyClosedFails(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, &fakeReconciler{})
	mustEnsure(t, svc, "2026-03")

	_, err := svc.Close(context.Background(), "2026-03", "controller")
	require.NoError(t, err)

	_, err = svc.Close(context.Background(), "2026-03", "controller")
	require.Error(t, err)
	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidState, appErr.Code)
}

func TestLockUnlock(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, &fakeReconciler{})
	ctx := context.Background()
	mustEnsure(t, svc, "2026-03")

	// Locking an open period is illegal.
	_, err := svc.Lock(ctx, "2026-03", "audit freeze")
	require.Error(t, err)

	_, err = svc.Close(ctx, "2026-03", "controller")
	require.NoError(t, err)

	// Reason is mandatory.
	_, err = svc.Lock(ctx, "2026-03", "")
	require.Error(t, err)

	p, err := svc.Lock(ctx, "2026-03", "audit freeze")
	require.NoError(t, err)
	assert.Equal(t, StateLocked, p.State)
	assert.Equal(t, "audit freeze", p.LockReason)
	require.NotNil(t, p.LockedAt)

	p, err = svc.Unlock(ctx, "2026-03")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, p.State)
	assert.Empty(t, p.LockReason)
	assert.Nil(t, p.LockedAt)
}

func TestClosedThrough_AdvancesWithClosedPeriods(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, &fakeReconciler{})
	ctx := context.Background()

	through, err := svc.ClosedThrough(ctx)
	require.NoError(t, err)
	assert.True(t, through.IsZero())

	mustEnsure(t, svc, "2026-02")
	mustEnsure(t, svc, "2026-03")
	_, err = svc.Close(ctx, "2026-02", "controller")
	require.NoError(t, err)

	through, err = svc.ClosedThrough(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 28, 23, 59, 59, 0, time.UTC), through)
}
