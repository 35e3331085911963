package dto

import (
	"time"

	"tallybook/internal/core/types"
	"tallybook/internal/domain/costing"
	"tallybook/internal/domain/inventory"
)

// --- Requests ---

// RecordMovementRequest records a stock movement.
type RecordMovementRequest struct {
	Type      string         `json:"type" binding:"required"`
	Quantity  types.Quantity `json:"quantity" binding:"required"`
	UnitCost  *types.Money   `json:"unitCost"`
	Reference string         `json:"reference"`
	Date      *time.Time     `json:"date"`
}

// ReserveStockRequest places a hold against available stock.
type ReserveStockRequest struct {
	Quantity      types.Quantity `json:"quantity" binding:"required"`
	ExpiresAt     *time.Time     `json:"expiresAt"`
	ReferenceType string         `json:"referenceType"`
	ReferenceID   string         `json:"referenceId"`
}

// ReleaseStockRequest releases a previously held quantity.
type ReleaseStockRequest struct {
	Quantity types.Quantity `json:"quantity" binding:"required"`
}

// CostRequest asks the costing engine to price an issue.
type CostRequest struct {
	Quantity types.Quantity `json:"quantity" binding:"required"`
}

// MovementListRequest filters the movement log.
type MovementListRequest struct {
	PaginationRequest
	Type     string     `form:"type"`
	FromDate *time.Time `form:"fromDate"`
	ToDate   *time.Time `form:"toDate"`
}

// --- Responses ---

// StockRecordResponse represents an inventory record in API responses.
type StockRecordResponse struct {
	ID             string                  `json:"id"`
	Product        inventory.ProductRef    `json:"product"`
	CurrentStock   types.Quantity          `json:"currentStock"`
	ReservedStock  types.Quantity          `json:"reservedStock"`
	AvailableStock types.Quantity          `json:"availableStock"`
	ReorderPoint   types.Quantity          `json:"reorderPoint"`
	Status         string                  `json:"status"`
	CostMethod     string                  `json:"costMethod"`
	AverageCost    types.Money             `json:"averageCost"`
	Reservations   []inventory.Reservation `json:"reservations,omitempty"`
	Version        int                     `json:"version"`
	UpdatedAt      time.Time               `json:"updatedAt"`
}

// FromStockRecord converts a record to its response DTO.
func FromStockRecord(r *inventory.Record) StockRecordResponse {
	return StockRecordResponse{
		ID:             r.ID.String(),
		Product:        r.Product,
		CurrentStock:   r.CurrentStock,
		ReservedStock:  r.ReservedStock,
		AvailableStock: r.AvailableStock,
		ReorderPoint:   r.ReorderPoint,
		Status:         string(r.Status),
		CostMethod:     string(r.Cost.Method),
		AverageCost:    r.Cost.AverageCost,
		Reservations:   r.Reservations,
		Version:        r.Version,
		UpdatedAt:      r.UpdatedAt,
	}
}

// MovementResponse represents a movement log entry.
type MovementResponse struct {
	LineID      string               `json:"lineId"`
	Product     inventory.ProductRef `json:"product"`
	Type        string               `json:"type"`
	Quantity    types.Quantity       `json:"quantity"`
	Delta       types.Quantity       `json:"delta"`
	UnitCost    *types.Money         `json:"unitCost,omitempty"`
	Cost        types.Money          `json:"cost"`
	Reference   string               `json:"reference"`
	PerformedBy string               `json:"performedBy"`
	OccurredAt  time.Time            `json:"occurredAt"`
}

// FromMovement converts a movement to its response DTO.
func FromMovement(m inventory.Movement) MovementResponse {
	return MovementResponse{
		LineID:      m.LineID.String(),
		Product:     m.Product,
		Type:        string(m.Type),
		Quantity:    m.Quantity,
		Delta:       m.Delta,
		UnitCost:    m.UnitCost,
		Cost:        m.Cost,
		Reference:   m.Reference,
		PerformedBy: m.PerformedBy,
		OccurredAt:  m.OccurredAt,
	}
}

// ReservationResponse represents a stock hold.
type ReservationResponse struct {
	ReservationID string         `json:"reservationId"`
	Quantity      types.Quantity `json:"quantity"`
	ExpiresAt     time.Time      `json:"expiresAt"`
	ReferenceType string         `json:"referenceType,omitempty"`
	ReferenceID   string         `json:"referenceId,omitempty"`
}

// FromReservation converts a reservation to its response DTO.
func FromReservation(r *inventory.Reservation) ReservationResponse {
	return ReservationResponse{
		ReservationID: r.ReservationID.String(),
		Quantity:      r.Quantity,
		ExpiresAt:     r.ExpiresAt,
		ReferenceType: r.ReferenceType,
		ReferenceID:   r.ReferenceID,
	}
}

// CostResponse represents a costing engine result.
type CostResponse struct {
	Method           string                   `json:"method"`
	UnitCost         types.Money              `json:"unitCost"`
	TotalCost        types.Money              `json:"totalCost"`
	LotsConsumed     []costing.LotConsumption `json:"lotsConsumed,omitempty"`
	FallbackQuantity types.Quantity           `json:"fallbackQuantity,omitempty"`
}

// FromCostResult converts a costing result to its response DTO.
func FromCostResult(r costing.Result) CostResponse {
	return CostResponse{
		Method:           r.Method,
		UnitCost:         r.UnitCost,
		TotalCost:        r.TotalCost,
		LotsConsumed:     r.LotsConsumed,
		FallbackQuantity: r.FallbackQuantity,
	}
}

// TurnoverResponse represents a stock turnover report line.
type TurnoverResponse struct {
	Product        inventory.ProductRef `json:"product"`
	OpeningBalance types.Quantity       `json:"openingBalance"`
	Inbound        types.Quantity       `json:"inbound"`
	Outbound       types.Quantity       `json:"outbound"`
	ClosingBalance types.Quantity       `json:"closingBalance"`
}
