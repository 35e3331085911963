package inventory

import (
	"context"
	"time"

	"tallybook/internal/core/apperror"
	"tallybook/internal/core/id"
	"tallybook/internal/core/retry"
	"tallybook/internal/core/tx"
	"tallybook/internal/core/types"
	"tallybook/internal/domain/costing"
	"tallybook/pkg/logger"
)

// MovementRequest is the inbound business-event shape for stock changes.
// For adjustment movements Quantity carries the target stock level, not a
// delta; the implied delta is computed and logged internally.
type MovementRequest struct {
	Type        MovementType
	Quantity    types.Quantity
	UnitCost    *types.Money
	Reference   string
	PerformedBy string
	OccurredAt  time.Time
}

// ReservationSpec describes a requested stock hold.
type ReservationSpec struct {
	ExpiresAt     time.Time
	ReservedBy    string
	ReferenceType string
	ReferenceID   string
}

// Service provides the stock ledger operations. All read-check-write
// sequences run under the optimistic retry loop; the store's conditional
// version write provides the conflict signal.
type Service struct {
	repo        Repository
	txManager   tx.Manager
	retryPolicy retry.Policy
}

// NewService creates a stock ledger service.
func NewService(repo Repository, txManager tx.Manager) *Service {
	return &Service{
		repo:        repo,
		txManager:   txManager,
		retryPolicy: retry.DefaultPolicy(),
	}
}

// RecordMovement applies a stock movement and appends it to the movement
// log. Outbound movements that would drive current stock below zero fail
// with INSUFFICIENT_STOCK. Costed inbound movements feed the costing
// engine before the record is persisted.
func (s *Service) RecordMovement(ctx context.Context, product ProductRef, req MovementRequest) (*Movement, error) {
	if product.IsZero() {
		return nil, apperror.NewValidation("product reference is required")
	}
	if !req.Type.Valid() {
		return nil, apperror.NewValidation("unknown movement type").
			WithDetail("type", string(req.Type))
	}
	if req.Type == MovementAdjustment {
		if req.Quantity.IsNegative() {
			return nil, apperror.NewValidation("adjustment target must not be negative")
		}
	} else if !req.Quantity.IsPositive() {
		return nil, apperror.NewValidation("quantity must be positive")
	}
	if req.OccurredAt.IsZero() {
		req.OccurredAt = time.Now().UTC()
	}

	var movement *Movement
	err := retry.Do(ctx, s.retryPolicy, func(ctx context.Context) error {
		return s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
			rec, err := s.repo.GetOrCreate(ctx, product)
			if err != nil {
				return err
			}

			m, err := applyMovement(rec, req)
			if err != nil {
				return err
			}

			if err := s.repo.Update(ctx, rec); err != nil {
				return err
			}
			if err := s.repo.AppendMovement(ctx, *m); err != nil {
				return err
			}

			movement = m
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "recorded stock movement",
		"product", product.String(),
		"type", string(req.Type),
		"delta", movement.Delta.String(),
		"reference", req.Reference,
	)
	return movement, nil
}

// applyMovement mutates the record in memory: stock delta, cost state and
// derived fields. The caller persists record and movement as one unit.
func applyMovement(rec *Record, req MovementRequest) (*Movement, error) {
	var delta types.Quantity
	switch req.Type.Direction() {
	case 1:
		delta = req.Quantity
	case -1:
		delta = req.Quantity.Neg()
	default:
		// Adjustment: caller supplies the target level.
		delta = req.Quantity - rec.CurrentStock
	}

	newStock := rec.CurrentStock + delta
	if newStock.IsNegative() {
		return nil, apperror.NewInsufficientStock(
			rec.Product.String(),
			delta.Abs().Float64(),
			rec.CurrentStock.Float64(),
		)
	}

	cost := types.ZeroMoney()
	var unitCost *types.Money
	switch {
	case delta.IsPositive() && req.UnitCost != nil:
		if _, err := costing.AddLot(&rec.Cost, newStock, delta, *req.UnitCost, req.OccurredAt, req.Reference); err != nil {
			return nil, err
		}
		uc := *req.UnitCost
		unitCost = &uc
		cost = uc.Mul(delta.Decimal())
	case delta.IsNegative():
		// Cost of goods issued comes from the configured costing method;
		// the lot list shrinks on every issue regardless of how it is
		// priced.
		result, err := costing.ConsumeLots(&rec.Cost, delta.Abs())
		if err != nil {
			return nil, err
		}
		cost = result.TotalCost
	}

	rec.CurrentStock = newStock
	rec.RecomputeDerived()

	return &Movement{
		LineID:      id.New(),
		Product:     rec.Product,
		Type:        req.Type,
		Quantity:    delta.Abs(),
		Delta:       delta,
		UnitCost:    unitCost,
		Cost:        cost,
		Reference:   req.Reference,
		PerformedBy: req.PerformedBy,
		OccurredAt:  req.OccurredAt,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Reserve places a hold against available stock. Succeeds only when
// currentStock - reservedStock covers the quantity.
func (s *Service) Reserve(ctx context.Context, product ProductRef, quantity types.Quantity, spec ReservationSpec) (*Reservation, error) {
	if !quantity.IsPositive() {
		return nil, apperror.NewValidation("reservation quantity must be positive")
	}

	var reservation *Reservation
	err := retry.Do(ctx, s.retryPolicy, func(ctx context.Context) error {
		rec, err := s.repo.Get(ctx, product)
		if err != nil {
			return err
		}

		available := rec.CurrentStock - rec.ReservedStock
		if available < quantity {
			if available.IsNegative() {
				available = 0
			}
			return apperror.NewInsufficientAvailableStock(
				product.String(),
				quantity.Float64(),
				available.Float64(),
			)
		}

		r := Reservation{
			ReservationID: id.New(),
			Quantity:      quantity,
			ExpiresAt:     spec.ExpiresAt,
			ReservedBy:    spec.ReservedBy,
			ReferenceType: spec.ReferenceType,
			ReferenceID:   spec.ReferenceID,
			CreatedAt:     time.Now().UTC(),
		}
		rec.Reservations = append(rec.Reservations, r)
		rec.ReservedStock += quantity
		rec.RecomputeDerived()

		if err := s.repo.Update(ctx, rec); err != nil {
			return err
		}
		reservation = &r
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "reserved stock",
		"product", product.String(),
		"quantity", quantity.String(),
		"reservation_id", reservation.ReservationID,
	)
	return reservation, nil
}

// Release returns reserved quantity to the available pool. An underflow
// is clamped to zero rather than propagated; the clamp indicates an
// upstream accounting bug and is logged as a data-integrity warning.
func (s *Service) Release(ctx context.Context, product ProductRef, quantity types.Quantity) error {
	if !quantity.IsPositive() {
		return apperror.NewValidation("release quantity must be positive")
	}

	return retry.Do(ctx, s.retryPolicy, func(ctx context.Context) error {
		rec, err := s.repo.Get(ctx, product)
		if err != nil {
			return err
		}

		newReserved := rec.ReservedStock - quantity
		if newReserved.IsNegative() {
			logger.Warn(ctx, "reserved stock underflow clamped to zero",
				"product", product.String(),
				"reserved", rec.ReservedStock.String(),
				"released", quantity.String(),
			)
			newReserved = 0
		}
		rec.ReservedStock = newReserved
		rec.RecomputeDerived()

		return s.repo.Update(ctx, rec)
	})
}

// ExpireReservations sweeps lapsed reservations and releases their held
// quantity. Idempotent: expired entries are removed together with the
// conditional decrement, so a second sweep finds nothing to do.
func (s *Service) ExpireReservations(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	refs, err := s.repo.WithExpiredReservations(ctx, now)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, product := range refs {
		n, err := s.expireFor(ctx, product, now)
		if err != nil {
			logger.Error(ctx, "reservation expiry failed",
				"product", product.String(),
				"error", err,
			)
			continue
		}
		released += n
	}

	if released > 0 {
		logger.Info(ctx, "expired reservations released", "count", released)
	}
	return released, nil
}

func (s *Service) expireFor(ctx context.Context, product ProductRef, now time.Time) (int, error) {
	expired := 0
	err := retry.Do(ctx, s.retryPolicy, func(ctx context.Context) error {
		rec, err := s.repo.Get(ctx, product)
		if err != nil {
			return err
		}

		var lapsedQty types.Quantity
		kept := rec.Reservations[:0]
		lapsed := 0
		for _, r := range rec.Reservations {
			if r.Expired(now) {
				lapsedQty += r.Quantity
				lapsed++
				continue
			}
			kept = append(kept, r)
		}
		if lapsed == 0 {
			// Another sweep already handled this record.
			expired = 0
			return nil
		}

		rec.Reservations = kept
		newReserved := rec.ReservedStock - lapsedQty
		if newReserved.IsNegative() {
			logger.Warn(ctx, "reserved stock underflow clamped to zero",
				"product", product.String(),
				"reserved", rec.ReservedStock.String(),
				"expired", lapsedQty.String(),
			)
			newReserved = 0
		}
		rec.ReservedStock = newReserved
		rec.RecomputeDerived()

		if err := s.repo.Update(ctx, rec); err != nil {
			return err
		}
		expired = lapsed
		return nil
	})
	return expired, err
}

// GetRecord returns the inventory record for a product reference.
func (s *Service) GetRecord(ctx context.Context, product ProductRef) (*Record, error) {
	return s.repo.Get(ctx, product)
}

// GetLowStock returns active records at or below their reorder point.
func (s *Service) GetLowStock(ctx context.Context) ([]*Record, error) {
	return s.repo.LowStock(ctx)
}

// CalculateCost prices a quantity with the product's configured costing
// method without consuming lots.
func (s *Service) CalculateCost(ctx context.Context, product ProductRef, quantity types.Quantity) (costing.Result, error) {
	rec, err := s.repo.Get(ctx, product)
	if err != nil {
		return costing.Result{}, err
	}
	return costing.Calculate(&rec.Cost, quantity)
}

// MovementHistory returns the movement log for a product.
func (s *Service) MovementHistory(ctx context.Context, product ProductRef, filter MovementFilter) ([]Movement, error) {
	return s.repo.Movements(ctx, product, filter)
}

// GetTurnover summarizes stock turnover for a period window.
func (s *Service) GetTurnover(ctx context.Context, filter TurnoverFilter) (Turnover, error) {
	return s.repo.GetTurnover(ctx, filter)
}
