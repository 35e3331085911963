package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tallybook/internal/core/apperror"
	"tallybook/internal/core/id"
	"tallybook/internal/domain/inventory"
	"tallybook/internal/infrastructure/http/v1/dto"
)

// StockHandler handles HTTP requests for the stock ledger.
type StockHandler struct {
	*BaseHandler
	service *inventory.Service
}

// NewStockHandler creates a new stock ledger handler.
func NewStockHandler(base *BaseHandler, service *inventory.Service) *StockHandler {
	return &StockHandler{
		BaseHandler: base,
		service:     service,
	}
}

// productRef resolves the path product id plus the optional kind query
// parameter ("product" by default, "variant" for variant-level stock).
func (h *StockHandler) productRef(c *gin.Context) (inventory.ProductRef, bool) {
	productID, err := id.Parse(c.Param("productId"))
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid productId format"))
		return inventory.ProductRef{}, false
	}

	kind := inventory.RefKind(c.DefaultQuery("kind", string(inventory.RefProduct)))
	if kind != inventory.RefProduct && kind != inventory.RefVariant {
		h.Error(c, apperror.NewValidation("kind must be product or variant").
			WithDetail("kind", string(kind)))
		return inventory.ProductRef{}, false
	}

	return inventory.ProductRef{Kind: kind, ID: productID}, true
}

// RecordMovement handles POST /stock/:productId/movements
func (h *StockHandler) RecordMovement(c *gin.Context) {
	product, ok := h.productRef(c)
	if !ok {
		return
	}

	var req dto.RecordMovementRequest
	if !h.BindJSON(c, &req) {
		return
	}

	movementType := inventory.MovementType(req.Type)
	if !movementType.Valid() {
		h.Error(c, apperror.NewValidation("unknown movement type").
			WithDetail("type", req.Type))
		return
	}

	spec := inventory.MovementRequest{
		Type:        movementType,
		Quantity:    req.Quantity,
		UnitCost:    req.UnitCost,
		Reference:   req.Reference,
		PerformedBy: h.GetUserID(c),
	}
	if req.Date != nil {
		spec.OccurredAt = *req.Date
	}

	movement, err := h.service.RecordMovement(c.Request.Context(), product, spec)
	if err != nil {
		h.Error(c, err)
		return
	}

	h.Created(c, dto.FromMovement(*movement))
}

// Reserve handles POST /stock/:productId/reservations
func (h *StockHandler) Reserve(c *gin.Context) {
	product, ok := h.productRef(c)
	if !ok {
		return
	}

	var req dto.ReserveStockRequest
	if !h.BindJSON(c, &req) {
		return
	}

	spec := inventory.ReservationSpec{
		ReservedBy:    h.GetUserID(c),
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
	}
	if req.ExpiresAt != nil {
		spec.ExpiresAt = *req.ExpiresAt
	}

	reservation, err := h.service.Reserve(c.Request.Context(), product, req.Quantity, spec)
	if err != nil {
		h.Error(c, err)
		return
	}

	h.Created(c, dto.FromReservation(reservation))
}

// Release handles POST /stock/:productId/reservations/release
func (h *StockHandler) Release(c *gin.Context) {
	product, ok := h.productRef(c)
	if !ok {
		return
	}

	var req dto.ReleaseStockRequest
	if !h.BindJSON(c, &req) {
		return
	}

	if err := h.service.Release(c.Request.Context(), product, req.Quantity); err != nil {
		h.Error(c, err)
		return
	}

	h.Success(c, "reservation released")
}

// GetRecord handles GET /stock/:productId
func (h *StockHandler) GetRecord(c *gin.Context) {
	product, ok := h.productRef(c)
	if !ok {
		return
	}

	record, err := h.service.GetRecord(c.Request.Context(), product)
	if err != nil {
		h.Error(c, err)
		return
	}

	h.OK(c, dto.FromStockRecord(record))
}

// GetMovements handles GET /stock/:productId/movements
func (h *StockHandler) GetMovements(c *gin.Context) {
	product, ok := h.productRef(c)
	if !ok {
		return
	}

	var req dto.MovementListRequest
	if !h.BindQuery(c, &req) {
		return
	}
	req.Defaults()

	filter := inventory.MovementFilter{
		FromDate: req.FromDate,
		ToDate:   req.ToDate,
		Limit:    req.Limit,
		Offset:   req.Offset,
	}
	if req.Type != "" {
		movementType := inventory.MovementType(req.Type)
		if !movementType.Valid() {
			h.Error(c, apperror.NewValidation("unknown movement type").
				WithDetail("type", req.Type))
			return
		}
		filter.Type = &movementType
	}

	movements, err := h.service.MovementHistory(c.Request.Context(), product, filter)
	if err != nil {
		h.Error(c, err)
		return
	}

	items := make([]dto.MovementResponse, len(movements))
	for i, m := range movements {
		items[i] = dto.FromMovement(m)
	}

	h.OK(c, dto.ListResponse{Items: items, TotalCount: len(items)})
}

// GetTurnover handles GET /stock/:productId/turnover
func (h *StockHandler) GetTurnover(c *gin.Context) {
	product, ok := h.productRef(c)
	if !ok {
		return
	}

	fromStr := c.Query("fromDate")
	toStr := c.Query("toDate")
	if fromStr == "" || toStr == "" {
		h.Error(c, apperror.NewValidation("fromDate and toDate are required"))
		return
	}

	fromDate, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid fromDate format, expected RFC3339"))
		return
	}
	toDate, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid toDate format, expected RFC3339"))
		return
	}

	turnover, err := h.service.GetTurnover(c.Request.Context(), inventory.TurnoverFilter{
		Product:  product,
		FromDate: fromDate,
		ToDate:   toDate,
	})
	if err != nil {
		h.Error(c, err)
		return
	}

	h.OK(c, dto.TurnoverResponse{
		Product:        turnover.Product,
		OpeningBalance: turnover.OpeningBalance,
		Inbound:        turnover.Inbound,
		Outbound:       turnover.Outbound,
		ClosingBalance: turnover.ClosingBalance,
	})
}

// CalculateCost handles POST /stock/:productId/cost
// Returns a cost quote without consuming lots.
func (h *StockHandler) CalculateCost(c *gin.Context) {
	product, ok := h.productRef(c)
	if !ok {
		return
	}

	var req dto.CostRequest
	if !h.BindJSON(c, &req) {
		return
	}

	result, err := h.service.CalculateCost(c.Request.Context(), product, req.Quantity)
	if err != nil {
		h.Error(c, err)
		return
	}

	h.OK(c, dto.FromCostResult(result))
}

// GetLowStock handles GET /stock/low
func (h *StockHandler) GetLowStock(c *gin.Context) {
	records, err := h.service.GetLowStock(c.Request.Context())
	if err != nil {
		h.Error(c, err)
		return
	}

	items := make([]dto.StockRecordResponse, len(records))
	for i, r := range records {
		items[i] = dto.FromStockRecord(r)
	}

	c.JSON(http.StatusOK, dto.ListResponse{Items: items, TotalCount: len(items)})
}

// RegisterRoutes registers stock ledger routes.
func (h *StockHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/low", h.GetLowStock)
	rg.GET("/:productId", h.GetRecord)
	rg.GET("/:productId/movements", h.GetMovements)
	rg.GET("/:productId/turnover", h.GetTurnover)
	rg.POST("/:productId/movements", h.RecordMovement)
	rg.POST("/:productId/reservations", h.Reserve)
	rg.POST("/:productId/reservations/release", h.Release)
	rg.POST("/:productId/cost", h.CalculateCost)
}
