package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/schoolworks/finance-api/internal/models"
	"github.com/schoolworks/finance-api/internal/service"
	appErrors "github.com/schoolworks/finance-api/pkg/errors"
	"github.com/schoolworks/finance-api/pkg/response"
)

// FeeHandler exposes fee endpoints.
type FeeHandler struct {
	fees *service.FeeService
}

// NewFeeHandler constructs FeeHandler.
func NewFeeHandler(fees *service.FeeService) *FeeHandler {
	return &FeeHandler{fees: fees}
}

// List godoc
// @Summary List fees visible to the caller
// @Tags Fees
// @Produce json
// @Param search query string false "Search by student name, NIS or description"
// @Param studentId query string false "Filter by student"
// @Param status query string false "Filter by derived status"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /fees [get]
func (h *FeeHandler) List(c *gin.Context) {
	var filter models.FeeFilter
	filter.Search = strings.TrimSpace(c.Query("search"))
	filter.StudentID = c.Query("studentId")
	filter.Status = models.FeeStatus(strings.ToUpper(c.Query("status")))
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}

	fees, pagination, err := h.fees.List(c.Request.Context(), actorFromContext(c), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, fees, pagination)
}

// Get godoc
// @Summary Get fee detail with derived status
// @Tags Fees
// @Produce json
// @Param id path string true "Fee ID"
// @Success 200 {object} response.Envelope
// @Router /fees/{id} [get]
func (h *FeeHandler) Get(c *gin.Context) {
	fee, err := h.fees.Get(c.Request.Context(), actorFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, fee, nil)
}

// Create godoc
// @Summary Create a fee obligation
// @Tags Fees
// @Accept json
// @Produce json
// @Param payload body service.CreateFeeRequest true "Fee payload"
// @Success 201 {object} response.Envelope
// @Router /fees [post]
func (h *FeeHandler) Create(c *gin.Context) {
	var req service.CreateFeeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	fee, err := h.fees.Create(c.Request.Context(), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, fee)
}

// Update godoc
// @Summary Update a fee's terms
// @Tags Fees
// @Accept json
// @Produce json
// @Param id path string true "Fee ID"
// @Param payload body service.UpdateFeeRequest true "Fee payload"
// @Success 200 {object} response.Envelope
// @Router /fees/{id} [put]
func (h *FeeHandler) Update(c *gin.Context) {
	var req service.UpdateFeeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	fee, err := h.fees.Update(c.Request.Context(), actorFromContext(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, fee, nil)
}

// Delete godoc
// @Summary Delete a fee and its payments
// @Tags Fees
// @Produce json
// @Param id path string true "Fee ID"
// @Success 204
// @Router /fees/{id} [delete]
func (h *FeeHandler) Delete(c *gin.Context) {
	if err := h.fees.Delete(c.Request.Context(), actorFromContext(c), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// ClassSummary godoc
// @Summary Collection summary for a class
// @Tags Fees
// @Produce json
// @Param id path string true "Class ID"
// @Success 200 {object} response.Envelope
// @Router /classes/{id}/collection [get]
func (h *FeeHandler) ClassSummary(c *gin.Context) {
	summary, err := h.fees.ClassSummary(c.Request.Context(), actorFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil)
}
