package period

import (
	"context"
	"time"

	"tallybook/internal/core/apperror"
	"tallybook/internal/core/retry"
	"tallybook/internal/core/tx"
	"tallybook/internal/domain/balance"
	"tallybook/pkg/logger"
)

// Reconciler verifies the balance ledger against its sub-ledger.
// Implemented by the balance service.
type Reconciler interface {
	ReconcileAll(ctx context.Context, autoCorrect bool) (*balance.ReconciliationReport, error)
}

// StatsSource provides the sub-ledger aggregates snapshotted at close.
// Implemented by the balance service.
type StatsSource interface {
	PeriodStats(ctx context.Context, from, to time.Time) (balance.PeriodStats, error)
}

// TrialBalanceValidator checks that the trial balance nets to zero for
// the period window. Owned by the accounting side; injectable.
type TrialBalanceValidator interface {
	ValidateTrialBalance(ctx context.Context, from, to time.Time) error
}

// TrialBalanceFunc adapts a function to TrialBalanceValidator.
type TrialBalanceFunc func(ctx context.Context, from, to time.Time) error

func (f TrialBalanceFunc) ValidateTrialBalance(ctx context.Context, from, to time.Time) error {
	return f(ctx, from, to)
}

// ClosingEntryGenerator produces period-end entries (accruals and the
// like) before a close finalizes. Owned by the accounting side.
type ClosingEntryGenerator interface {
	GenerateClosingEntries(ctx context.Context, p *Period) error
}

// ClosingEntryFunc adapts a function to ClosingEntryGenerator.
type ClosingEntryFunc func(ctx context.Context, p *Period) error

func (f ClosingEntryFunc) GenerateClosingEntries(ctx context.Context, p *Period) error {
	return f(ctx, p)
}

// Service orchestrates the period lifecycle. Close persists the closing
// state before evaluating preconditions, so a concurrent close attempt
// fails the open->closing transition instead of racing.
type Service struct {
	repo        Repository
	txManager   tx.Manager
	reconciler  Reconciler
	stats       StatsSource
	trial       TrialBalanceValidator
	entries     ClosingEntryGenerator
	retryPolicy retry.Policy
}

// NewService creates a period service. Trial balance validation and
// closing entry generation default to no-ops until the accounting side
// injects real ones.
func NewService(repo Repository, txManager tx.Manager, reconciler Reconciler, stats StatsSource) *Service {
	return &Service{
		repo:       repo,
		txManager:  txManager,
		reconciler: reconciler,
		stats:      stats,
		trial: TrialBalanceFunc(func(ctx context.Context, from, to time.Time) error {
			return nil
		}),
		entries: ClosingEntryFunc(func(ctx context.Context, p *Period) error {
			return nil
		}),
		retryPolicy: retry.DefaultPolicy(),
	}
}

// WithTrialBalance injects an external trial balance validator.
func (s *Service) WithTrialBalance(v TrialBalanceValidator) *Service {
	s.trial = v
	return s
}

// WithClosingEntries injects an external closing entry generator.
func (s *Service) WithClosingEntries(g ClosingEntryGenerator) *Service {
	s.entries = g
	return s
}

// EnsurePeriod returns the period for the given month key, creating an
// open one on first use.
func (s *Service) EnsurePeriod(ctx context.Context, key string) (*Period, error) {
	p, err := s.repo.Get(ctx, key)
	if err == nil {
		return p, nil
	}
	if !apperror.IsNotFound(err) {
		return nil, err
	}

	p, err = MonthPeriod(key)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, p); err != nil {
		// Lost a creation race; the other writer's period wins.
		if existing, getErr := s.repo.Get(ctx, key); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return p, nil
}

// Close runs the full close orchestration: enter closing, evaluate
// preconditions, snapshot statistics and finalize. Any precondition
// failure reverts the period to open and records the reason.
func (s *Service) Close(ctx context.Context, key, closedBy string) (*Period, error) {
	p, err := s.advance(ctx, key, func(p *Period) error {
		if err := p.transition(StateClosing); err != nil {
			return err
		}
		p.FailureReason = ""
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.checkPreconditions(ctx, p); err != nil {
		s.revert(ctx, key, err.Error())
		return nil, err
	}

	stats, err := s.stats.PeriodStats(ctx, p.StartDate, p.EndDate)
	if err != nil {
		s.revert(ctx, key, "statistics snapshot failed: "+err.Error())
		return nil, err
	}

	now := time.Now().UTC()
	closed, err := s.advance(ctx, key, func(p *Period) error {
		if err := p.transition(StateClosed); err != nil {
			return err
		}
		p.Reconciled = true
		p.ClosedAt = &now
		p.ClosedBy = closedBy
		p.Stats = &ClosingStats{
			TransactionCount: stats.TransactionCount,
			TotalRevenue:     stats.TotalRevenue,
			TotalReceivables: stats.TotalReceivables,
			SnapshotAt:       now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "closed accounting period",
		"period", key,
		"closed_by", closedBy,
		"transactions", stats.TransactionCount,
	)
	return closed, nil
}

func (s *Service) checkPreconditions(ctx context.Context, p *Period) error {
	report, err := s.reconciler.ReconcileAll(ctx, false)
	if err != nil {
		return err
	}
	if !report.Clean() {
		d := report.Discrepancies[0]
		return apperror.NewReconciliationDiscrepancy(
			d.AccountID.String(), d.Field, d.Stored.String(), d.Replayed.String(),
		).WithDetail("discrepancies", len(report.Discrepancies))
	}

	if err := s.trial.ValidateTrialBalance(ctx, p.StartDate, p.EndDate); err != nil {
		return err
	}
	return s.entries.GenerateClosingEntries(ctx, p)
}

// revert returns a closing period to open, recording why. A revert
// failure leaves the period stuck in closing and is logged loudly; the
// next close attempt surfaces the invalid transition.
func (s *Service) revert(ctx context.Context, key, reason string) {
	_, err := s.advance(ctx, key, func(p *Period) error {
		if err := p.transition(StateOpen); err != nil {
			return err
		}
		p.FailureReason = reason
		return nil
	})
	if err != nil {
		logger.Error(ctx, "failed to revert period to open",
			"period", key,
			"reason", reason,
			"error", err,
		)
		return
	}
	logger.Warn(ctx, "period close reverted to open", "period", key, "reason", reason)
}

// Lock makes a closed period fully immutable. The reason is mandatory.
func (s *Service) Lock(ctx context.Context, key, reason string) (*Period, error) {
	if reason == "" {
		return nil, apperror.NewValidation("lock reason is required")
	}
	now := time.Now().UTC()
	return s.advance(ctx, key, func(p *Period) error {
		if err := p.transition(StateLocked); err != nil {
			return err
		}
		p.LockReason = reason
		p.LockedAt = &now
		return nil
	})
}

// Unlock returns a locked period to closed.
func (s *Service) Unlock(ctx context.Context, key string) (*Period, error) {
	return s.advance(ctx, key, func(p *Period) error {
		if err := p.transition(StateClosed); err != nil {
			return err
		}
		p.LockReason = ""
		p.LockedAt = nil
		return nil
	})
}

// advance runs one load-mutate-store cycle under the optimistic retry
// loop.
func (s *Service) advance(ctx context.Context, key string, mutate func(p *Period) error) (*Period, error) {
	var result *Period
	err := retry.Do(ctx, s.retryPolicy, func(ctx context.Context) error {
		return s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
			p, err := s.repo.Get(ctx, key)
			if err != nil {
				return err
			}
			if err := mutate(p); err != nil {
				return err
			}
			if err := s.repo.Update(ctx, p); err != nil {
				return err
			}
			result = p
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetPeriod returns a period by key.
func (s *Service) GetPeriod(ctx context.Context, key string) (*Period, error) {
	return s.repo.Get(ctx, key)
}

// ListPeriods returns all periods ordered by start date.
func (s *Service) ListPeriods(ctx context.Context) ([]*Period, error) {
	return s.repo.List(ctx)
}

// ClosedThrough exposes the closed boundary for the posting policy.
func (s *Service) ClosedThrough(ctx context.Context) (time.Time, error) {
	return s.repo.ClosedThrough(ctx)
}
