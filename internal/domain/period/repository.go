package period

import (
	"context"
	"time"
)

// Repository persists accounting periods.
//
// Get/Update form the optimistic unit, same contract as the ledger
// repositories: Update conditions on the read version and fails with
// CONCURRENT_MODIFICATION when the period changed underneath.
type Repository interface {
	// Get loads a period by key. Returns NOT_FOUND when absent.
	Get(ctx context.Context, key string) (*Period, error)

	// Create inserts a new period. Fails with CONFLICT when the key
	// already exists.
	Create(ctx context.Context, p *Period) error

	// Update writes the period conditioned on the read version and
	// increments the stored version on success.
	Update(ctx context.Context, p *Period) error

	// List returns all periods ordered by start date.
	List(ctx context.Context) ([]*Period, error)

	// ClosedThrough returns the latest end date among closed and locked
	// periods, zero when none. Feeds the posting-date policy.
	ClosedThrough(ctx context.Context) (time.Time, error)
}
