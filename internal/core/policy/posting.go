// Package policy defines posting-date rules shared by the ledgers.
package policy

import (
	"context"
	"time"

	"tallybook/internal/core/apperror"
)

// PostingPolicy decides whether a posting with the given business date is
// allowed. The balance ledger consults it before writing sub-ledger
// entries so that postings into closed periods are rejected upstream of
// the database.
type PostingPolicy interface {
	// CanPost checks if a posting dated docDate is allowed.
	CanPost(ctx context.Context, docDate time.Time) error
}

// ClosedPeriodSource reports the date through which periods are closed
// for ordinary postings. Implemented by the period repository.
type ClosedPeriodSource interface {
	ClosedThrough(ctx context.Context) (time.Time, error)
}

// PeriodPolicy rejects postings dated inside a closed or locked period,
// using the live period ledger as the source of truth.
type PeriodPolicy struct {
	source ClosedPeriodSource
}

// NewPeriodPolicy creates a policy backed by the period ledger.
func NewPeriodPolicy(source ClosedPeriodSource) *PeriodPolicy {
	return &PeriodPolicy{source: source}
}

func (p *PeriodPolicy) CanPost(ctx context.Context, docDate time.Time) error {
	closedThrough, err := p.source.ClosedThrough(ctx)
	if err != nil {
		return apperror.NewInternal(err)
	}
	if !closedThrough.IsZero() && !docDate.After(closedThrough) {
		return apperror.NewPeriodClosed(closedThrough.Format("2006-01"))
	}
	return nil
}

// StrictPolicy forbids any posting before a fixed cutoff date.
// Used for regulatory freezes independent of the period ledger.
type StrictPolicy struct {
	closedUntil time.Time
}

// NewStrictPolicy creates a policy that forbids postings before closedUntil.
func NewStrictPolicy(closedUntil time.Time) *StrictPolicy {
	return &StrictPolicy{closedUntil: closedUntil}
}

func (p *StrictPolicy) CanPost(ctx context.Context, docDate time.Time) error {
	if docDate.Before(p.closedUntil) {
		return apperror.NewPeriodClosed(p.closedUntil.Format("2006-01"))
	}
	return nil
}

// OpenPolicy allows all postings (for development and tests).
type OpenPolicy struct{}

func (OpenPolicy) CanPost(ctx context.Context, docDate time.Time) error { return nil }
