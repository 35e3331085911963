// Package entity provides shared entity building blocks.
package entity

import (
	"context"
	"time"

	"tallybook/internal/core/id"
)

// Validatable is implemented by entities that support self-validation.
// Validation checks internal invariants without database access.
type Validatable interface {
	// Validate checks entity invariants.
	// Returns nil if valid, AppError with details otherwise.
	Validate(ctx context.Context) error
}

// Versioned contains the common fields for mutable records guarded by
// optimistic concurrency. Version is incremented on every successful
// write; repositories condition their UPDATE on the version read.
type Versioned struct {
	// ID is the primary key (UUIDv7)
	ID id.ID `db:"id" json:"id"`

	// Version for optimistic locking
	Version int `db:"version" json:"version"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// NewVersioned creates a Versioned base with a generated ID.
func NewVersioned() Versioned {
	now := time.Now().UTC()
	return Versioned{
		ID:        id.New(),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch increments the version and refreshes the update timestamp.
func (v *Versioned) Touch() {
	v.Version++
	v.UpdatedAt = time.Now().UTC()
}

// SetVersion updates the version number (used by repositories after a
// conditional write succeeds).
func (v *Versioned) SetVersion(version int) {
	v.Version = version
}
