package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/schoolworks/finance-api/internal/models"
	"github.com/schoolworks/finance-api/internal/service"
	appErrors "github.com/schoolworks/finance-api/pkg/errors"
	"github.com/schoolworks/finance-api/pkg/response"
)

// ExpenseHandler exposes expense endpoints.
type ExpenseHandler struct {
	expenses *service.ExpenseService
}

// NewExpenseHandler constructs ExpenseHandler.
func NewExpenseHandler(expenses *service.ExpenseService) *ExpenseHandler {
	return &ExpenseHandler{expenses: expenses}
}

// List godoc
// @Summary List expenses
// @Tags Expenses
// @Produce json
// @Param type query string false "Filter by expense type"
// @Param search query string false "Search in description"
// @Param from query string false "Period start (RFC3339 date)"
// @Param to query string false "Period end (RFC3339 date)"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /expenses [get]
func (h *ExpenseHandler) List(c *gin.Context) {
	var filter models.ExpenseFilter
	filter.Type = models.ExpenseType(strings.ToUpper(c.Query("type")))
	filter.Search = strings.TrimSpace(c.Query("search"))
	if from, err := time.Parse("2006-01-02", c.Query("from")); err == nil {
		filter.From = &from
	}
	if to, err := time.Parse("2006-01-02", c.Query("to")); err == nil {
		filter.To = &to
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}

	expenses, pagination, err := h.expenses.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, expenses, pagination)
}

// Get godoc
// @Summary Get expense detail
// @Tags Expenses
// @Produce json
// @Param id path string true "Expense ID"
// @Success 200 {object} response.Envelope
// @Router /expenses/{id} [get]
func (h *ExpenseHandler) Get(c *gin.Context) {
	expense, err := h.expenses.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, expense, nil)
}

// Create godoc
// @Summary Record an expense
// @Tags Expenses
// @Accept json
// @Produce json
// @Param payload body service.ExpenseRequest true "Expense payload"
// @Success 201 {object} response.Envelope
// @Router /expenses [post]
func (h *ExpenseHandler) Create(c *gin.Context) {
	var req service.ExpenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	expense, err := h.expenses.Create(c.Request.Context(), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, expense)
}

// Update godoc
// @Summary Update an expense
// @Tags Expenses
// @Accept json
// @Produce json
// @Param id path string true "Expense ID"
// @Param payload body service.ExpenseRequest true "Expense payload"
// @Success 200 {object} response.Envelope
// @Router /expenses/{id} [put]
func (h *ExpenseHandler) Update(c *gin.Context) {
	var req service.ExpenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	expense, err := h.expenses.Update(c.Request.Context(), actorFromContext(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, expense, nil)
}

// Delete godoc
// @Summary Delete an expense
// @Tags Expenses
// @Produce json
// @Param id path string true "Expense ID"
// @Success 204
// @Router /expenses/{id} [delete]
func (h *ExpenseHandler) Delete(c *gin.Context) {
	if err := h.expenses.Delete(c.Request.Context(), actorFromContext(c), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Summary godoc
// @Summary Aggregate expenses per type for a period
// @Tags Expenses
// @Produce json
// @Param from query string true "Period start (YYYY-MM-DD)"
// @Param to query string true "Period end (YYYY-MM-DD)"
// @Success 200 {object} response.Envelope
// @Router /expenses/summary [get]
func (h *ExpenseHandler) Summary(c *gin.Context) {
	from, err := time.Parse("2006-01-02", c.Query("from"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid from date"))
		return
	}
	to, err := time.Parse("2006-01-02", c.Query("to"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid to date"))
		return
	}

	summary, err := h.expenses.Summary(c.Request.Context(), actorFromContext(c), from, to)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil)
}
