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

// PaymentHandler exposes ledger payment endpoints.
type PaymentHandler struct {
	ledger *service.LedgerService
}

// NewPaymentHandler constructs PaymentHandler.
func NewPaymentHandler(ledger *service.LedgerService) *PaymentHandler {
	return &PaymentHandler{ledger: ledger}
}

// Record godoc
// @Summary Record a payment against a fee
// @Tags Payments
// @Accept json
// @Produce json
// @Param payload body service.RecordPaymentRequest true "Payment payload"
// @Success 201 {object} response.Envelope
// @Router /payments [post]
func (h *PaymentHandler) Record(c *gin.Context) {
	var req service.RecordPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	payment, err := h.ledger.RecordPayment(c.Request.Context(), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, payment)
}

// Edit godoc
// @Summary Correct a payment's amount
// @Tags Payments
// @Accept json
// @Produce json
// @Param id path string true "Payment ID"
// @Param payload body service.EditPaymentRequest true "New amount"
// @Success 200 {object} response.Envelope
// @Router /payments/{id} [put]
func (h *PaymentHandler) Edit(c *gin.Context) {
	var req service.EditPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	payment, err := h.ledger.EditPayment(c.Request.Context(), actorFromContext(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, payment, nil)
}

// Delete godoc
// @Summary Delete a payment
// @Tags Payments
// @Produce json
// @Param id path string true "Payment ID"
// @Success 204
// @Router /payments/{id} [delete]
func (h *PaymentHandler) Delete(c *gin.Context) {
	if err := h.ledger.DeletePayment(c.Request.Context(), actorFromContext(c), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// ListForFee godoc
// @Summary List a fee's payments in chronological order
// @Tags Payments
// @Produce json
// @Param id path string true "Fee ID"
// @Success 200 {object} response.Envelope
// @Router /fees/{id}/payments [get]
func (h *PaymentHandler) ListForFee(c *gin.Context) {
	payments, err := h.ledger.ListPaymentsForFee(c.Request.Context(), actorFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, payments, nil)
}

// List godoc
// @Summary List payments visible to the caller
// @Tags Payments
// @Produce json
// @Param search query string false "Search by student name, NIS or transaction"
// @Param feeId query string false "Filter by fee"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /payments [get]
func (h *PaymentHandler) List(c *gin.Context) {
	var filter models.PaymentFilter
	filter.Search = strings.TrimSpace(c.Query("search"))
	filter.FeeID = c.Query("feeId")
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}

	payments, pagination, err := h.ledger.ListPayments(c.Request.Context(), actorFromContext(c), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, payments, pagination)
}
