// Package period implements accounting period lifecycle and the close
// orchestration: a period is frozen only after the balance ledger
// reconciles cleanly, the trial balance nets to zero and closing entries
// are generated.
package period

import (
	"context"
	"fmt"
	"time"

	"tallybook/internal/core/apperror"
	"tallybook/internal/core/types"
)

// State of an accounting period.
type State string

const (
	StateOpen    State = "open"
	StateClosing State = "closing"
	StateClosed  State = "closed"
	StateLocked  State = "locked"
)

// CodeInvalidState is the machine code for illegal state transitions.
const CodeInvalidState = "INVALID_PERIOD_STATE"

// ClosingStats is the statistics snapshot captured when a period closes.
type ClosingStats struct {
	TransactionCount int         `json:"transactionCount"`
	TotalRevenue     types.Money `json:"totalRevenue"`
	TotalReceivables types.Money `json:"totalReceivables"`
	SnapshotAt       time.Time   `json:"snapshotAt"`
}

// Period is one accounting period. Key is the month label ("2006-01").
type Period struct {
	Key       string    `db:"period_key" json:"key"`
	StartDate time.Time `db:"start_date" json:"startDate"`
	EndDate   time.Time `db:"end_date" json:"endDate"`

	State      State `db:"state" json:"state"`
	Reconciled bool  `db:"reconciled" json:"reconciled"`

	ClosedAt *time.Time `db:"closed_at" json:"closedAt,omitempty"`
	ClosedBy string     `db:"closed_by" json:"closedBy,omitempty"`

	// FailureReason records why the last close attempt reverted to open.
	FailureReason string `db:"failure_reason" json:"failureReason,omitempty"`

	LockReason string     `db:"lock_reason" json:"lockReason,omitempty"`
	LockedAt   *time.Time `db:"locked_at" json:"lockedAt,omitempty"`

	Stats *ClosingStats `json:"stats,omitempty"`

	Version   int       `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// NewPeriod creates an open period covering [start, end].
func NewPeriod(start, end time.Time) (*Period, error) {
	if !end.After(start) {
		return nil, apperror.NewValidation("period end must be after start")
	}
	now := time.Now().UTC()
	return &Period{
		Key:       start.UTC().Format("2006-01"),
		StartDate: start.UTC(),
		EndDate:   end.UTC(),
		State:     StateOpen,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// MonthPeriod creates the calendar-month period containing the label
// "2006-01".
func MonthPeriod(key string) (*Period, error) {
	start, err := time.Parse("2006-01", key)
	if err != nil {
		return nil, apperror.NewValidation("period key must be formatted as YYYY-MM").
			WithDetail("key", key)
	}
	end := start.AddDate(0, 1, 0).Add(-time.Second)
	return NewPeriod(start, end)
}

// transition validates and applies a state change. Illegal transitions
// fail with INVALID_PERIOD_STATE.
func (p *Period) transition(to State) error {
	allowed := false
	switch p.State {
	case StateOpen:
		allowed = to == StateClosing
	case StateClosing:
		allowed = to == StateClosed || to == StateOpen
	case StateClosed:
		allowed = to == StateLocked
	case StateLocked:
		allowed = to == StateClosed
	}
	if !allowed {
		return apperror.NewBusinessRule(CodeInvalidState,
			fmt.Sprintf("cannot transition period %s from %s to %s", p.Key, p.State, to))
	}
	p.State = to
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// PostingFrozen reports whether ordinary postings into this period are
// rejected.
func (p *Period) PostingFrozen() bool {
	return p.State == StateClosed || p.State == StateLocked
}

// Validate implements basic field checks.
func (p *Period) Validate(ctx context.Context) error {
	if p.Key == "" {
		return apperror.NewValidation("period key is required")
	}
	if !p.EndDate.After(p.StartDate) {
		return apperror.NewValidation("period end must be after start").
			WithDetail("key", p.Key)
	}
	return nil
}
