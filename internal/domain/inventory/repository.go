package inventory

import (
	"context"
	"time"

	"tallybook/internal/core/types"
)

// MovementFilter narrows movement history queries.
type MovementFilter struct {
	Type     *MovementType
	FromDate *time.Time
	ToDate   *time.Time
	Limit    int
	Offset   int
}

// TurnoverFilter selects the window for a turnover summary.
type TurnoverFilter struct {
	Product  ProductRef
	FromDate time.Time
	ToDate   time.Time
}

// Turnover summarizes inbound/outbound quantities over a period.
type Turnover struct {
	Product        ProductRef     `json:"product"`
	OpeningBalance types.Quantity `json:"openingBalance"`
	Inbound        types.Quantity `json:"inbound"`
	Outbound       types.Quantity `json:"outbound"`
	ClosingBalance types.Quantity `json:"closingBalance"`
}

// Repository persists inventory records and their movement log.
//
// Get/Update form the optimistic unit: Update must condition its write on
// the version loaded by Get and fail with CONCURRENT_MODIFICATION when the
// record changed underneath, so the service can re-read and retry.
type Repository interface {
	// Get loads the record for a product reference.
	// Returns a NOT_FOUND AppError when absent.
	Get(ctx context.Context, product ProductRef) (*Record, error)

	// GetOrCreate loads the record, creating an empty one on first use.
	GetOrCreate(ctx context.Context, product ProductRef) (*Record, error)

	// Update writes the record conditioned on the version it was read at
	// and increments the stored version on success.
	Update(ctx context.Context, rec *Record) error

	// AppendMovement adds one entry to the append-only movement log.
	AppendMovement(ctx context.Context, m Movement) error

	// Movements returns movement history for a product, newest first.
	Movements(ctx context.Context, product ProductRef, filter MovementFilter) ([]Movement, error)

	// GetTurnover summarizes inbound/outbound quantities for a window.
	GetTurnover(ctx context.Context, filter TurnoverFilter) (Turnover, error)

	// LowStock returns active records at or below their reorder point.
	LowStock(ctx context.Context) ([]*Record, error)

	// WithExpiredReservations returns product refs holding at least one
	// reservation expired at the given instant.
	WithExpiredReservations(ctx context.Context, now time.Time) ([]ProductRef, error)
}
