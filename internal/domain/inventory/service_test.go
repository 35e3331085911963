package inventory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tallybook/internal/core/apperror"
	"tallybook/internal/core/id"
	"tallybook/internal/core/retry"
	"tallybook/internal/core/types"
	"tallybook/internal/domain/costing"
)

// passthroughTx satisfies tx.Manager without a database.
type passthroughTx struct{}

func (passthroughTx) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// memoryRepo is an in-memory Repository with optimistic version checks,
// mirroring the conditional-write behavior of the postgres repo.
type memoryRepo struct {
	mu        sync.Mutex
	records   map[ProductRef]*Record
	movements []Movement

	// conflictsLeft forces the next N Update calls to fail with a
	// version conflict without applying the write.
	conflictsLeft int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{records: make(map[ProductRef]*Record)}
}

func cloneRecord(rec *Record) *Record {
	c := *rec
	c.Reservations = append([]Reservation(nil), rec.Reservations...)
	c.Cost.Lots = append([]costing.Lot(nil), rec.Cost.Lots...)
	return &c
}

func (r *memoryRepo) Get(ctx context.Context, product ProductRef) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[product]
	if !ok {
		return nil, apperror.NewNotFound("inventory record", product.String())
	}
	return cloneRecord(rec), nil
}

func (r *memoryRepo) GetOrCreate(ctx context.Context, product ProductRef) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[product]; ok {
		return cloneRecord(rec), nil
	}
	rec := NewRecord(product)
	r.records[product] = cloneRecord(rec)
	return rec, nil
}

func (r *memoryRepo) Update(ctx context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conflictsLeft > 0 {
		r.conflictsLeft--
		return apperror.NewConcurrentModification("inventory record", rec.Product.String())
	}

	stored, ok := r.records[rec.Product]
	if !ok {
		return apperror.NewNotFound("inventory record", rec.Product.String())
	}
	if stored.Version != rec.Version {
		return apperror.NewConcurrentModification("inventory record", rec.Product.String())
	}
	rec.Version++
	r.records[rec.Product] = cloneRecord(rec)
	return nil
}

func (r *memoryRepo) AppendMovement(ctx context.Context, m Movement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.movements = append(r.movements, m)
	return nil
}

func (r *memoryRepo) Movements(ctx context.Context, product ProductRef, filter MovementFilter) ([]Movement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Movement
	for _, m := range r.movements {
		if m.Product == product {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memoryRepo) GetTurnover(ctx context.Context, filter TurnoverFilter) (Turnover, error) {
	return Turnover{Product: filter.Product}, nil
}

func (r *memoryRepo) LowStock(ctx context.Context) ([]*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Record
	for _, rec := range r.records {
		if rec.BelowReorderPoint() {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

func (r *memoryRepo) WithExpiredReservations(ctx context.Context, now time.Time) ([]ProductRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ProductRef
	for ref, rec := range r.records {
		for _, res := range rec.Reservations {
			if res.Expired(now) {
				out = append(out, ref)
				break
			}
		}
	}
	return out, nil
}

var _ Repository = (*memoryRepo)(nil)

func newTestService() (*Service, *memoryRepo) {
	repo := newMemoryRepo()
	return NewService(repo, passthroughTx{}), repo
}

func qty(n int64) types.Quantity { return types.NewQuantityFromInt(n) }

func testRef() ProductRef { return NewProductRef(id.New()) }

func stockIn(t *testing.T, svc *Service, product ProductRef, n int64, cost string) {
	t.Helper()
	c := types.MustMoney(cost)
	_, err := svc.RecordMovement(context.Background(), product, MovementRequest{
		Type:     MovementIn,
		Quantity: qty(n),
		UnitCost: &c,
	})
	require.NoError(t, err)
}

func TestRecordMovement_InboundAndOutbound(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	product := testRef()

	stockIn(t, svc, product, 10, "5")

	m, err := svc.RecordMovement(ctx, product, MovementRequest{
		Type:     MovementOut,
		Quantity: qty(4),
	})
	require.NoError(t, err)
	assert.Equal(t, qty(-4), m.Delta)

	rec, err := svc.GetRecord(ctx, product)
	require.NoError(t, err)
	assert.Equal(t, qty(6), rec.CurrentStock)
	assert.Equal(t, qty(6), rec.AvailableStock)
	assert.Equal(t, StatusActive, rec.Status)
	assert.Len(t, repo.movements, 2)
}

func TestRecordMovement_RejectsNegativeStock(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	product := testRef()

	stockIn(t, svc, product, 3, "5")

	_, err := svc.RecordMovement(ctx, product, MovementRequest{
		Type:     MovementOut,
		Quantity: qty(5),
	})
	require.Error(t, err)
	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeInsufficientStock, appErr.Code)

	// Rejected, not clamped: stock unchanged.
	rec, err := svc.GetRecord(ctx, product)
	require.NoError(t, err)
	assert.Equal(t, qty(3), rec.CurrentStock)
}

func TestRecordMovement_AdjustmentTargetsLevel(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	product := testRef()

	stockIn(t, svc, product, 10, "5")

	// Caller supplies the target level; the implied delta is logged.
	m, err := svc.RecordMovement(ctx, product, MovementRequest{
		Type:     MovementAdjustment,
		Quantity: qty(7),
	})
	require.NoError(t, err)
	assert.Equal(t, qty(-3), m.Delta)
	assert.Equal(t, qty(3), m.Quantity)

	rec, err := svc.GetRecord(ctx, product)
	require.NoError(t, err)
	assert.Equal(t, qty(7), rec.CurrentStock)
}

func TestRecordMovement_OutOfStockStatus(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	product := testRef()

	stockIn(t, svc, product, 2, "5")
	_, err := svc.RecordMovement(ctx, product, MovementRequest{
		Type:     MovementOut,
		Quantity: qty(2),
	})
	require.NoError(t, err)

	rec, err := svc.GetRecord(ctx, product)
	require.NoError(t, err)
	assert.Equal(t, StatusOutOfStock, rec.Status)
	assert.True(t, rec.AvailableStock.IsZero())
}

func TestRecordMovement_ConsumesFIFOLots(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	product := testRef()

	stockIn(t, svc, product, 5, "10")
	time.Sleep(2 * time.Millisecond) // distinct acquisition timestamps
	stockIn(t, svc, product, 5, "12")

	// Switch the record to fifo costing through the repo.
	repoRec, err := svc.repo.Get(ctx, product)
	require.NoError(t, err)
	repoRec.Cost.Method = costing.MethodFIFO
	require.NoError(t, svc.repo.Update(ctx, repoRec))

	m, err := svc.RecordMovement(ctx, product, MovementRequest{
		Type:     MovementOut,
		Quantity: qty(7),
	})
	require.NoError(t, err)
	assert.Equal(t, "74", m.Cost.String())

	rec, err := svc.GetRecord(ctx, product)
	require.NoError(t, err)
	require.Len(t, rec.Cost.Lots, 1)
	assert.Equal(t, qty(3), rec.Cost.Lots[0].Quantity)
}

func TestReserve_SucceedsThenExhausts(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	product := testRef()

	stockIn(t, svc, product, 10, "5")

	_, err := svc.Reserve(ctx, product, qty(10), ReservationSpec{
		ExpiresAt:  time.Now().Add(time.Hour),
		ReservedBy: "order-svc",
	})
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, product, qty(1), ReservationSpec{})
	require.Error(t, err)
	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeInsufficientAvailableStock, appErr.Code)

	rec, err := svc.GetRecord(ctx, product)
	require.NoError(t, err)
	assert.Equal(t, qty(10), rec.ReservedStock)
	assert.True(t, rec.AvailableStock.IsZero())
}

func TestRelease_ClampsUnderflow(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	product := testRef()

	stockIn(t, svc, product, 10, "5")

	// Seed an inconsistent reserved count directly.
	repo.mu.Lock()
	repo.records[product].ReservedStock = qty(3)
	repo.mu.Unlock()

	require.NoError(t, svc.Release(ctx, product, qty(5)))

	rec, err := svc.GetRecord(ctx, product)
	require.NoError(t, err)
	assert.True(t, rec.ReservedStock.IsZero(), "underflow must clamp to zero, not go negative")
}

func TestExpireReservations_Idempotent(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	product := testRef()

	stockIn(t, svc, product, 10, "5")

	_, err := svc.Reserve(ctx, product, qty(4), ReservationSpec{
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, product, qty(2), ReservationSpec{
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	released, err := svc.ExpireReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	rec, err := svc.GetRecord(ctx, product)
	require.NoError(t, err)
	assert.Equal(t, qty(2), rec.ReservedStock)
	assert.Len(t, rec.Reservations, 1)

	// Second sweep finds nothing to do.
	released, err = svc.ExpireReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, released)

	rec, err = svc.GetRecord(ctx, product)
	require.NoError(t, err)
	assert.Equal(t, qty(2), rec.ReservedStock)
}

func TestGetLowStock(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	low := testRef()
	ok := testRef()

	stockIn(t, svc, low, 2, "5")
	stockIn(t, svc, ok, 50, "5")

	// Raise the reorder point on the low record.
	rec, err := svc.repo.Get(ctx, low)
	require.NoError(t, err)
	rec.ReorderPoint = qty(5)
	require.NoError(t, svc.repo.Update(ctx, rec))

	records, err := svc.GetLowStock(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, low, records[0].Product)
}

func TestGetLowStock_IncludesOutOfStockSkipsUnconfigured(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	drained := testRef()
	unconfigured := testRef()

	stockIn(t, svc, drained, 5, "5")
	stockIn(t, svc, unconfigured, 2, "5")

	rec, err := svc.repo.Get(ctx, drained)
	require.NoError(t, err)
	rec.ReorderPoint = qty(5)
	require.NoError(t, svc.repo.Update(ctx, rec))

	// Drain both to zero. The drained record sits at out_of_stock but
	// still needs replenishment; the unconfigured one has no reorder
	// point and never qualifies.
	for _, product := range []ProductRef{drained, unconfigured} {
		cur, err := svc.GetRecord(ctx, product)
		require.NoError(t, err)
		_, err = svc.RecordMovement(ctx, product, MovementRequest{
			Type:     MovementOut,
			Quantity: cur.CurrentStock,
		})
		require.NoError(t, err)
	}

	records, err := svc.GetLowStock(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, drained, records[0].Product)
	assert.Equal(t, StatusOutOfStock, records[0].Status)
}

func TestRecordMovement_OutboundShrinksLotsUnderAverageCosting(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	product := testRef()

	stockIn(t, svc, product, 5, "10")
	time.Sleep(2 * time.Millisecond) // distinct acquisition timestamps
	stockIn(t, svc, product, 5, "12")

	// Switch the record to average costing through the repo.
	repoRec, err := svc.repo.Get(ctx, product)
	require.NoError(t, err)
	require.Len(t, repoRec.Cost.Lots, 2)
	repoRec.Cost.Method = costing.MethodAverage
	require.NoError(t, svc.repo.Update(ctx, repoRec))

	m, err := svc.RecordMovement(ctx, product, MovementRequest{
		Type:     MovementOut,
		Quantity: qty(7),
	})
	require.NoError(t, err)

	// Priced at average (11 per unit), but the lot list still drains
	// oldest-first so it cannot grow without bound.
	assert.Equal(t, "77", m.Cost.String())
	rec, err := svc.GetRecord(ctx, product)
	require.NoError(t, err)
	require.Len(t, rec.Cost.Lots, 1)
	assert.Equal(t, qty(3), rec.Cost.Lots[0].Quantity)
	assert.Equal(t, "12", rec.Cost.Lots[0].UnitCost.String())
}

func TestRecordMovement_RetriesOnWriteConflict(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	product := testRef()

	stockIn(t, svc, product, 10, "5")

	// Next two conditional writes collide; the retry loop must absorb
	// them and apply the movement exactly once.
	repo.mu.Lock()
	repo.conflictsLeft = 2
	repo.mu.Unlock()

	_, err := svc.RecordMovement(ctx, product, MovementRequest{
		Type:     MovementOut,
		Quantity: qty(4),
	})
	require.NoError(t, err)

	rec, err := svc.GetRecord(ctx, product)
	require.NoError(t, err)
	assert.Equal(t, qty(6), rec.CurrentStock)
}

func TestRecordMovement_ConflictBudgetExhausted(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	product := testRef()

	stockIn(t, svc, product, 10, "5")

	repo.mu.Lock()
	repo.conflictsLeft = 100
	repo.mu.Unlock()

	_, err := svc.RecordMovement(ctx, product, MovementRequest{
		Type:     MovementOut,
		Quantity: qty(1),
	})
	require.Error(t, err)
	assert.True(t, apperror.IsConcurrentModification(err))
}

func TestConcurrentReservations_NoLostUpdate(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	product := testRef()

	stockIn(t, svc, product, 100, "5")

	// Widen the retry budget: ten contenders can exceed the default
	// attempt count under heavy interleaving.
	svc.retryPolicy = retry.Policy{MaxAttempts: 50, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Jitter: 0.5}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Reserve(ctx, product, qty(5), ReservationSpec{
				ExpiresAt: time.Now().Add(time.Hour),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	rec, err := svc.GetRecord(ctx, product)
	require.NoError(t, err)
	assert.Equal(t, qty(50), rec.ReservedStock, "all ten reservations must land")
	assert.Equal(t, qty(50), rec.AvailableStock)
}
