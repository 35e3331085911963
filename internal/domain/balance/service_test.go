package balance

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tallybook/internal/core/apperror"
	"tallybook/internal/core/id"
	"tallybook/internal/core/policy"
	"tallybook/internal/core/retry"
	"tallybook/internal/core/types"
)

type passthroughTx struct{}

func (passthroughTx) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// memoryRepo is an in-memory Repository with version-checked account
// writes, mirroring the conditional UPDATE of the postgres repo.
type memoryRepo struct {
	mu           sync.Mutex
	accounts     map[id.ID]*Account
	transactions map[id.ID][]Transaction

	// conflictsLeft forces UpdateAccount to fail with
	// CONCURRENT_MODIFICATION that many times before succeeding.
	conflictsLeft int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		accounts:     make(map[id.ID]*Account),
		transactions: make(map[id.ID][]Transaction),
	}
}

func cloneAccount(a *Account) *Account {
	cp := *a
	return &cp
}

func (r *memoryRepo) GetAccount(ctx context.Context, accountID id.ID) (*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.accounts[accountID]
	if !ok {
		return nil, apperror.NewNotFound("account", accountID)
	}
	return cloneAccount(acct), nil
}

func (r *memoryRepo) GetOrCreateAccount(ctx context.Context, accountID id.ID, kind AccountKind) (*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if acct, ok := r.accounts[accountID]; ok {
		return cloneAccount(acct), nil
	}
	acct := NewAccount(accountID, kind)
	r.accounts[accountID] = cloneAccount(acct)
	return acct, nil
}

func (r *memoryRepo) UpdateAccount(ctx context.Context, acct *Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conflictsLeft > 0 {
		r.conflictsLeft--
		return apperror.NewConcurrentModification("account", acct.AccountID)
	}
	stored, ok := r.accounts[acct.AccountID]
	if !ok {
		return apperror.NewNotFound("account", acct.AccountID)
	}
	if stored.Version != acct.Version {
		return apperror.NewConcurrentModification("account", acct.AccountID)
	}
	acct.Version++
	r.accounts[acct.AccountID] = cloneAccount(acct)
	return nil
}

func (r *memoryRepo) AppendTransaction(ctx context.Context, t Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transactions[t.AccountID] = append(r.transactions[t.AccountID], t)
	return nil
}

func (r *memoryRepo) GetTransaction(ctx context.Context, transactionID id.ID) (*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, txns := range r.transactions {
		for _, t := range txns {
			if t.TransactionID == transactionID {
				cp := t
				return &cp, nil
			}
		}
	}
	return nil, apperror.NewNotFound("transaction", transactionID)
}

func (r *memoryRepo) Transactions(ctx context.Context, accountID id.ID, _ TransactionFilter) ([]Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	txns := r.transactions[accountID]
	out := make([]Transaction, len(txns))
	copy(out, txns)
	sort.SliceStable(out, func(i, j int) bool { return out[i].PostedAt.Before(out[j].PostedAt) })
	return out, nil
}

func (r *memoryRepo) MarkReversed(ctx context.Context, transactionID id.ID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for accountID, txns := range r.transactions {
		for i, t := range txns {
			if t.TransactionID == transactionID {
				t.Status = StatusReversed
				t.ReversedAt = &at
				r.transactions[accountID][i] = t
				return nil
			}
		}
	}
	return apperror.NewNotFound("transaction", transactionID)
}

func (r *memoryRepo) ListAccountIDs(ctx context.Context) ([]id.ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]id.ID, 0, len(r.accounts))
	for accountID := range r.accounts {
		out = append(out, accountID)
	}
	return out, nil
}

func (r *memoryRepo) Stats(ctx context.Context, from, to time.Time) (PeriodStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := PeriodStats{
		TotalRevenue:     types.ZeroMoney(),
		TotalReceivables: types.ZeroMoney(),
	}
	for _, txns := range r.transactions {
		for _, t := range txns {
			if t.Status == StatusReversed || t.PostedAt.Before(from) || t.PostedAt.After(to) {
				continue
			}
			stats.TransactionCount++
			if t.Type == TypeInvoice {
				stats.TotalRevenue = stats.TotalRevenue.Add(t.NetAmount)
			}
		}
	}
	for _, acct := range r.accounts {
		stats.TotalReceivables = stats.TotalReceivables.Add(acct.PendingBalance)
	}
	return stats, nil
}

func newTestService(repo *memoryRepo) *Service {
	return NewService(repo, passthroughTx{}, policy.OpenPolicy{})
}

func pay(amount string) PostRequest {
	return PostRequest{Amount: types.MustMoney(amount), Reference: "TEST-1", PerformedBy: "tester"}
}

func TestPost_InvoiceGrowsPending(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	accountID := id.New()

	txn, err := svc.RecordInvoice(context.Background(), accountID, KindCustomer, pay("100"))
	require.NoError(t, err)

	assert.Equal(t, "100", txn.BalanceImpact.String())
	assert.Equal(t, "0", txn.BalanceBefore.PendingBalance.String())
	assert.Equal(t, "100", txn.BalanceAfter.PendingBalance.String())

	acct, err := svc.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	assert.Equal(t, "100", acct.PendingBalance.String())
	assert.Equal(t, "0", acct.AdvanceBalance.String())
	assert.Equal(t, "100", acct.CurrentBalance().String())
}

func TestPost_PaymentDrainsPendingThenAdvance(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	accountID := id.New()
	ctx := context.Background()

	_, err := svc.RecordInvoice(ctx, accountID, KindCustomer, pay("100"))
	require.NoError(t, err)

	txn, err := svc.RecordPayment(ctx, accountID, KindCustomer, pay("150"))
	require.NoError(t, err)

	acct, err := svc.GetAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, "0", acct.PendingBalance.String())
	assert.Equal(t, "50", acct.AdvanceBalance.String())
	assert.Equal(t, "-50", acct.CurrentBalance().String())
	assert.Equal(t, "-150", txn.BalanceImpact.String())
}

func TestPost_RefundDrainsAdvanceExcessRegrows(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	accountID := id.New()
	ctx := context.Background()

	// Build up an advance of 30.
	_, err := svc.RecordPayment(ctx, accountID, KindCustomer, pay("30"))
	require.NoError(t, err)

	// Refund 50: 30 drained from advance, the excess 20 re-grows it.
	_, err = svc.RecordRefund(ctx, accountID, KindCustomer, pay("50"))
	require.NoError(t, err)

	acct, err := svc.GetAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, "0", acct.PendingBalance.String())
	assert.Equal(t, "20", acct.AdvanceBalance.String())
}

func TestPost_CreditNoteDrainsPendingThenAdvance(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	accountID := id.New()
	ctx := context.Background()

	_, err := svc.RecordInvoice(ctx, accountID, KindCustomer, pay("40"))
	require.NoError(t, err)

	_, err = svc.RecordCreditNote(ctx, accountID, KindCustomer, pay("60"))
	require.NoError(t, err)

	acct, err := svc.GetAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, "0", acct.PendingBalance.String())
	assert.Equal(t, "20", acct.AdvanceBalance.String())
}

func TestPost_RejectsNonPositiveAmount(t *testing.T) {
	svc := newTestService(newMemoryRepo())

	_, err := svc.RecordInvoice(context.Background(), id.New(), KindCustomer, pay("0"))
	require.Error(t, err)
	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeValidation, appErr.Code)
}

type fixedClosedSource struct{ through time.Time }

func (s fixedClosedSource) ClosedThrough(ctx context.Context) (time.Time, error) {
	return s.through, nil
}

func TestPost_RejectsClosedPeriod(t *testing.T) {
	repo := newMemoryRepo()
	closedThrough := time.Date(2026, 3, 31, 23, 59, 59, 0, time.UTC)
	svc := NewService(repo, passthroughTx{}, policy.NewPeriodPolicy(fixedClosedSource{through: closedThrough}))
	accountID := id.New()

	req := pay("100")
	req.Date = time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	_, err := svc.RecordInvoice(context.Background(), accountID, KindCustomer, req)
	require.Error(t, err)
	assert.True(t, apperror.IsPeriodClosed(err))

	// Nothing was written.
	_, err = svc.GetAccount(context.Background(), accountID)
	assert.True(t, apperror.IsNotFound(err))

	// A posting after the closed boundary goes through.
	req.Date = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	_, err = svc.RecordInvoice(context.Background(), accountID, KindCustomer, req)
	assert.NoError(t, err)
}

func TestReverse_RestoresBalancesAndSkipsReplay(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	accountID := id.New()
	ctx := context.Background()

	_, err := svc.RecordInvoice(ctx, accountID, KindCustomer, pay("100"))
	require.NoError(t, err)
	payment, err := svc.RecordPayment(ctx, accountID, KindCustomer, pay("150"))
	require.NoError(t, err)

	reversed, err := svc.Reverse(ctx, payment.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, StatusReversed, reversed.Status)
	require.NotNil(t, reversed.ReversedAt)

	acct, err := svc.GetAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, "100", acct.PendingBalance.String())
	assert.Equal(t, "0", acct.AdvanceBalance.String())

	// Replay agrees: the reversed entry no longer counts.
	txns, err := svc.TransactionHistory(ctx, accountID, TransactionFilter{})
	require.NoError(t, err)
	replayed := Replay(accountID, KindCustomer, txns)
	assert.Equal(t, "100", replayed.PendingBalance.String())

	// Reversing twice is a conflict.
	_, err = svc.Reverse(ctx, payment.TransactionID)
	require.Error(t, err)
	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeConflict, appErr.Code)
}

func TestReverse_EarlierEntryRebuildsByReplay(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	accountID := id.New()
	ctx := context.Background()

	invoice, err := svc.RecordInvoice(ctx, accountID, KindCustomer, pay("100"))
	require.NoError(t, err)
	_, err = svc.RecordPayment(ctx, accountID, KindCustomer, pay("100"))
	require.NoError(t, err)

	// Reversing the invoice leaves only the payment, which now allocates
	// entirely to advance. Subtracting the invoice's own deltas would
	// instead drive pending negative.
	_, err = svc.Reverse(ctx, invoice.TransactionID)
	require.NoError(t, err)

	acct, err := svc.GetAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, "0", acct.PendingBalance.String())
	assert.Equal(t, "100", acct.AdvanceBalance.String())
	assert.False(t, acct.PendingBalance.IsNegative())

	report, err := svc.ReconcileAll(ctx, false)
	require.NoError(t, err)
	assert.True(t, report.Clean())
}

func TestRecalculate_OverwritesDriftedBalances(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	accountID := id.New()
	ctx := context.Background()

	_, err := svc.RecordInvoice(ctx, accountID, KindCustomer, pay("100"))
	require.NoError(t, err)
	_, err = svc.RecordPayment(ctx, accountID, KindCustomer, pay("40"))
	require.NoError(t, err)

	// Drift the stored balance behind the service's back.
	repo.mu.Lock()
	repo.accounts[accountID].PendingBalance = types.MustMoney("999")
	repo.mu.Unlock()

	acct, err := svc.Recalculate(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, "60", acct.PendingBalance.String())
	assert.Equal(t, "0", acct.AdvanceBalance.String())
}

func TestReconcileAll_ReportOnlyDoesNotMutate(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	accountID := id.New()
	ctx := context.Background()

	_, err := svc.RecordInvoice(ctx, accountID, KindCustomer, pay("100"))
	require.NoError(t, err)

	repo.mu.Lock()
	repo.accounts[accountID].PendingBalance = types.MustMoney("150")
	repo.mu.Unlock()

	report, err := svc.ReconcileAll(ctx, false)
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	d := report.Discrepancies[0]
	assert.Equal(t, "pendingBalance", d.Field)
	assert.Equal(t, "150", d.Stored.String())
	assert.Equal(t, "100", d.Replayed.String())
	assert.False(t, d.Corrected)

	// Stored value untouched in report-only mode.
	acct, err := svc.GetAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, "150", acct.PendingBalance.String())
}

func TestReconcileAll_AutoCorrectFixes(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	accountID := id.New()
	ctx := context.Background()

	_, err := svc.RecordInvoice(ctx, accountID, KindCustomer, pay("100"))
	require.NoError(t, err)

	repo.mu.Lock()
	repo.accounts[accountID].PendingBalance = types.MustMoney("150")
	repo.mu.Unlock()

	report, err := svc.ReconcileAll(ctx, true)
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	assert.True(t, report.Discrepancies[0].Corrected)

	acct, err := svc.GetAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, "100", acct.PendingBalance.String())
}

func TestReconcileAll_ToleratesRoundingNoise(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	accountID := id.New()
	ctx := context.Background()

	_, err := svc.RecordInvoice(ctx, accountID, KindCustomer, pay("100"))
	require.NoError(t, err)

	// Within the 0.01 tolerance: not a discrepancy.
	repo.mu.Lock()
	repo.accounts[accountID].PendingBalance = types.MustMoney("100.01")
	repo.mu.Unlock()

	report, err := svc.ReconcileAll(ctx, false)
	require.NoError(t, err)
	assert.True(t, report.Clean())
}

type capturingArchiver struct{ reports []*ReconciliationReport }

func (a *capturingArchiver) ArchiveReconciliation(ctx context.Context, report *ReconciliationReport) error {
	a.reports = append(a.reports, report)
	return nil
}

func TestReconcileAll_ArchivesReport(t *testing.T) {
	repo := newMemoryRepo()
	archiver := &capturingArchiver{}
	svc := newTestService(repo).WithArchiver(archiver)
	ctx := context.Background()

	_, err := svc.RecordInvoice(ctx, id.New(), KindCustomer, pay("10"))
	require.NoError(t, err)

	_, err = svc.ReconcileAll(ctx, false)
	require.NoError(t, err)
	require.Len(t, archiver.reports, 1)
	assert.Equal(t, 1, archiver.reports[0].AccountsChecked)
}

func TestPost_RetriesOnVersionConflict(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	repo.conflictsLeft = 2

	_, err := svc.RecordInvoice(context.Background(), id.New(), KindCustomer, pay("10"))
	assert.NoError(t, err)
}

func TestPost_SurfacesExhaustedRetries(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	repo.conflictsLeft = 100

	_, err := svc.RecordInvoice(context.Background(), id.New(), KindCustomer, pay("10"))
	require.Error(t, err)
	assert.True(t, apperror.IsConcurrentModification(err))
}

func TestPost_ConcurrentPaymentsNoLostUpdate(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	svc.retryPolicy = retry.Policy{
		MaxAttempts: 50,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Jitter:      0.5,
	}
	accountID := id.New()
	ctx := context.Background()

	_, err := svc.RecordInvoice(ctx, accountID, KindCustomer, pay("100"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RecordPayment(ctx, accountID, KindCustomer, pay("10"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	acct, err := svc.GetAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, "0", acct.PendingBalance.String())
	assert.Equal(t, "0", acct.AdvanceBalance.String())

	// Replay agrees with the stored result.
	report, err := svc.ReconcileAll(ctx, false)
	require.NoError(t, err)
	assert.True(t, report.Clean())
}

func TestPeriodStats(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	a, b := id.New(), id.New()
	_, err := svc.RecordInvoice(ctx, a, KindCustomer, pay("100"))
	require.NoError(t, err)
	_, err = svc.RecordInvoice(ctx, b, KindCustomer, pay("50"))
	require.NoError(t, err)
	_, err = svc.RecordPayment(ctx, a, KindCustomer, pay("30"))
	require.NoError(t, err)

	stats, err := svc.PeriodStats(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TransactionCount)
	assert.Equal(t, "150", stats.TotalRevenue.String())
	assert.Equal(t, "120", stats.TotalReceivables.String())
}
