package dto

import (
	"time"

	"tallybook/internal/domain/period"
)

// --- Requests ---

// CreatePeriodRequest opens a calendar-month accounting period.
type CreatePeriodRequest struct {
	Key string `json:"key" binding:"required"`
}

// LockPeriodRequest freezes a closed period. Reason is mandatory for the
// audit trail.
type LockPeriodRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// --- Responses ---

// PeriodResponse represents an accounting period.
type PeriodResponse struct {
	Key           string               `json:"key"`
	StartDate     time.Time            `json:"startDate"`
	EndDate       time.Time            `json:"endDate"`
	State         string               `json:"state"`
	Reconciled    bool                 `json:"reconciled"`
	ClosedAt      *time.Time           `json:"closedAt,omitempty"`
	ClosedBy      string               `json:"closedBy,omitempty"`
	FailureReason string               `json:"failureReason,omitempty"`
	LockReason    string               `json:"lockReason,omitempty"`
	LockedAt      *time.Time           `json:"lockedAt,omitempty"`
	Stats         *period.ClosingStats `json:"stats,omitempty"`
	Version       int                  `json:"version"`
}

// FromPeriod converts a period to its response DTO.
func FromPeriod(p *period.Period) PeriodResponse {
	return PeriodResponse{
		Key:           p.Key,
		StartDate:     p.StartDate,
		EndDate:       p.EndDate,
		State:         string(p.State),
		Reconciled:    p.Reconciled,
		ClosedAt:      p.ClosedAt,
		ClosedBy:      p.ClosedBy,
		FailureReason: p.FailureReason,
		LockReason:    p.LockReason,
		LockedAt:      p.LockedAt,
		Stats:         p.Stats,
		Version:       p.Version,
	}
}
