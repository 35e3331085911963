// Package inventory implements the stock ledger: one record per product
// reference holding physical stock, reservations and cost state, plus an
// append-only movement log.
package inventory

import (
	"context"
	"fmt"
	"time"

	"tallybook/internal/core/apperror"
	"tallybook/internal/core/entity"
	"tallybook/internal/core/id"
	"tallybook/internal/core/types"
	"tallybook/internal/domain/costing"
)

// RefKind tags the polymorphic product reference.
type RefKind string

const (
	RefProduct RefKind = "product"
	RefVariant RefKind = "variant"
)

// ProductRef points at either a base product or a variant.
type ProductRef struct {
	Kind RefKind `db:"product_kind" json:"kind"`
	ID   id.ID   `db:"product_id" json:"id"`
}

// NewProductRef creates a reference to a base product.
func NewProductRef(productID id.ID) ProductRef {
	return ProductRef{Kind: RefProduct, ID: productID}
}

// NewVariantRef creates a reference to a product variant.
func NewVariantRef(variantID id.ID) ProductRef {
	return ProductRef{Kind: RefVariant, ID: variantID}
}

func (r ProductRef) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.ID)
}

func (r ProductRef) IsZero() bool {
	return r.Kind == "" || id.IsNil(r.ID)
}

// Status of an inventory record. active/out_of_stock are derived from the
// stock level; inactive and discontinued are sticky flags set by the
// product layer and never overwritten by stock math.
type Status string

const (
	StatusActive       Status = "active"
	StatusInactive     Status = "inactive"
	StatusDiscontinued Status = "discontinued"
	StatusOutOfStock   Status = "out_of_stock"
)

// MovementType classifies stock movements.
type MovementType string

const (
	MovementIn         MovementType = "in"
	MovementOut        MovementType = "out"
	MovementAdjustment MovementType = "adjustment"
	MovementTransfer   MovementType = "transfer"
	MovementReturn     MovementType = "return"
	MovementDamage     MovementType = "damage"
	MovementTheft      MovementType = "theft"
)

// Direction returns +1 for inbound types, -1 for outbound, 0 for
// adjustment (which carries a target level, not a delta).
func (t MovementType) Direction() int {
	switch t {
	case MovementIn, MovementReturn:
		return 1
	case MovementOut, MovementTransfer, MovementDamage, MovementTheft:
		return -1
	default:
		return 0
	}
}

// Valid reports whether the movement type is known.
func (t MovementType) Valid() bool {
	switch t {
	case MovementIn, MovementOut, MovementAdjustment, MovementTransfer,
		MovementReturn, MovementDamage, MovementTheft:
		return true
	}
	return false
}

// Movement is one entry of the append-only movement log.
// Movements are immutable once recorded.
type Movement struct {
	LineID  id.ID      `db:"line_id" json:"lineId"`
	Product ProductRef `db:"-" json:"product"`

	Type MovementType `db:"movement_type" json:"type"`

	// Quantity is the positive magnitude of the applied change.
	Quantity types.Quantity `db:"quantity" json:"quantity"`

	// Delta is the signed stock change actually applied. For adjustments
	// this is the implied delta computed from the target level.
	Delta types.Quantity `db:"delta" json:"delta"`

	// UnitCost is set for costed inbound movements.
	UnitCost *types.Money `db:"unit_cost" json:"unitCost,omitempty"`

	// Cost is the total cost effect of the movement (receipt value or
	// cost of goods issued).
	Cost types.Money `db:"cost" json:"cost"`

	Reference   string    `db:"reference" json:"reference"`
	PerformedBy string    `db:"performed_by" json:"performedBy"`
	OccurredAt  time.Time `db:"occurred_at" json:"occurredAt"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// Reservation is a temporary hold against available stock.
type Reservation struct {
	ReservationID id.ID          `json:"reservationId"`
	Quantity      types.Quantity `json:"quantity"`
	ExpiresAt     time.Time      `json:"expiresAt"`
	ReservedBy    string         `json:"reservedBy"`
	ReferenceType string         `json:"referenceType"`
	ReferenceID   string         `json:"referenceId"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Expired reports whether the reservation's hold has lapsed at now.
func (r Reservation) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Record is the inventory record, one per product reference.
// currentStock >= 0 is a hard invariant; reservedStock <= currentStock is
// a soft target (underflow is clamped, never propagated).
type Record struct {
	entity.Versioned

	Product ProductRef `json:"product"`

	CurrentStock   types.Quantity `db:"current_stock" json:"currentStock"`
	ReservedStock  types.Quantity `db:"reserved_stock" json:"reservedStock"`
	AvailableStock types.Quantity `db:"available_stock" json:"availableStock"`

	ReorderPoint    types.Quantity `db:"reorder_point" json:"reorderPoint"`
	ReorderQuantity types.Quantity `db:"reorder_quantity" json:"reorderQuantity"`
	MaxStock        types.Quantity `db:"max_stock" json:"maxStock"`

	Status Status `db:"status" json:"status"`

	Cost costing.State `json:"costState"`

	Reservations []Reservation `json:"reservations"`
}

// NewRecord creates an inventory record for a product reference.
// Records are created on first movement or explicitly on product
// creation; they are never hard-deleted.
func NewRecord(product ProductRef) *Record {
	rec := &Record{
		Versioned: entity.NewVersioned(),
		Product:   product,
		Status:    StatusActive,
	}
	rec.RecomputeDerived()
	return rec
}

// RecomputeDerived refreshes availableStock and the derived status.
// Must run after every stock mutation.
func (r *Record) RecomputeDerived() {
	available := r.CurrentStock - r.ReservedStock
	if available.IsNegative() {
		available = 0
	}
	r.AvailableStock = available

	// Sticky flags win over stock-derived status.
	if r.Status == StatusInactive || r.Status == StatusDiscontinued {
		return
	}
	if r.CurrentStock.IsZero() {
		r.Status = StatusOutOfStock
	} else {
		r.Status = StatusActive
	}
}

// BelowReorderPoint reports whether the record needs replenishment.
// Records without a reorder point configured never qualify, and sticky
// inactive/discontinued records are excluded; out_of_stock ones are
// exactly the records purchasing needs to see.
func (r *Record) BelowReorderPoint() bool {
	if !r.ReorderPoint.IsPositive() {
		return false
	}
	if r.Status == StatusInactive || r.Status == StatusDiscontinued {
		return false
	}
	return r.CurrentStock <= r.ReorderPoint
}

// Validate implements entity.Validatable.
func (r *Record) Validate(ctx context.Context) error {
	if r.Product.IsZero() {
		return apperror.NewValidation("product reference is required").
			WithDetail("field", "product")
	}
	if r.CurrentStock.IsNegative() {
		return apperror.NewValidation("current stock must not be negative").
			WithDetail("product", r.Product.String())
	}
	if r.ReservedStock.IsNegative() {
		return apperror.NewValidation("reserved stock must not be negative").
			WithDetail("product", r.Product.String())
	}
	return nil
}

var _ entity.Validatable = (*Record)(nil)
