package handlers

import (
	"github.com/gin-gonic/gin"

	"tallybook/internal/domain/period"
	"tallybook/internal/infrastructure/http/v1/dto"
)

// PeriodHandler handles HTTP requests for accounting periods.
type PeriodHandler struct {
	*BaseHandler
	service *period.Service
}

// NewPeriodHandler creates a new period handler.
func NewPeriodHandler(base *BaseHandler, service *period.Service) *PeriodHandler {
	return &PeriodHandler{
		BaseHandler: base,
		service:     service,
	}
}

// Create handles POST /periods
// Opens the calendar-month period for the given key, idempotently.
func (h *PeriodHandler) Create(c *gin.Context) {
	var req dto.CreatePeriodRequest
	if !h.BindJSON(c, &req) {
		return
	}

	p, err := h.service.EnsurePeriod(c.Request.Context(), req.Key)
	if err != nil {
		h.Error(c, err)
		return
	}

	h.Created(c, dto.FromPeriod(p))
}

// Get handles GET /periods/:id
func (h *PeriodHandler) Get(c *gin.Context) {
	p, err := h.service.GetPeriod(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Error(c, err)
		return
	}

	h.OK(c, dto.FromPeriod(p))
}

// List handles GET /periods
func (h *PeriodHandler) List(c *gin.Context) {
	periods, err := h.service.ListPeriods(c.Request.Context())
	if err != nil {
		h.Error(c, err)
		return
	}

	items := make([]dto.PeriodResponse, len(periods))
	for i, p := range periods {
		items[i] = dto.FromPeriod(p)
	}

	h.OK(c, dto.ListResponse{Items: items, TotalCount: len(items)})
}

// Close handles POST /periods/:id/close
// Runs the close orchestration; on precondition failure the period
// reverts to open and the response carries the failure.
func (h *PeriodHandler) Close(c *gin.Context) {
	p, err := h.service.Close(c.Request.Context(), c.Param("id"), h.GetUserID(c))
	if err != nil {
		h.Error(c, err)
		return
	}

	h.OK(c, dto.FromPeriod(p))
}

// Lock handles POST /periods/:id/lock
func (h *PeriodHandler) Lock(c *gin.Context) {
	var req dto.LockPeriodRequest
	if !h.BindJSON(c, &req) {
		return
	}

	p, err := h.service.Lock(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.Error(c, err)
		return
	}

	h.OK(c, dto.FromPeriod(p))
}

// Unlock handles POST /periods/:id/unlock
func (h *PeriodHandler) Unlock(c *gin.Context) {
	p, err := h.service.Unlock(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Error(c, err)
		return
	}

	h.OK(c, dto.FromPeriod(p))
}

// RegisterRoutes registers period routes.
func (h *PeriodHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("", h.Create)
	rg.GET("", h.List)
	rg.GET("/:id", h.Get)
	rg.POST("/:id/close", h.Close)
	rg.POST("/:id/lock", h.Lock)
	rg.POST("/:id/unlock", h.Unlock)
}
