package handler

import (
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/schoolworks/finance-api/internal/models"
	"github.com/schoolworks/finance-api/internal/service"
	appErrors "github.com/schoolworks/finance-api/pkg/errors"
	"github.com/schoolworks/finance-api/pkg/response"
)

// StatementHandler exposes statement and export endpoints.
type StatementHandler struct {
	statements *service.StatementService
}

// NewStatementHandler constructs StatementHandler.
func NewStatementHandler(statements *service.StatementService) *StatementHandler {
	return &StatementHandler{statements: statements}
}

type enqueueStatementRequest struct {
	Kind   models.StatementKind   `json:"kind" binding:"required"`
	Params models.StatementParams `json:"params"`
}

// Enqueue godoc
// @Summary Request an asynchronous statement or export
// @Tags Statements
// @Accept json
// @Produce json
// @Param payload body enqueueStatementRequest true "Statement request"
// @Success 202 {object} response.Envelope
// @Router /statements [post]
func (h *StatementHandler) Enqueue(c *gin.Context) {
	var req enqueueStatementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	job, err := h.statements.Enqueue(c.Request.Context(), actorFromContext(c), req.Kind, req.Params)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, job, nil)
}

// Get godoc
// @Summary Poll a statement job and obtain a download token
// @Tags Statements
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} response.Envelope
// @Router /statements/{id} [get]
func (h *StatementHandler) Get(c *gin.Context) {
	job, token, err := h.statements.Get(c.Request.Context(), actorFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	var meta map[string]interface{}
	if token != "" {
		meta = map[string]interface{}{"download_token": token}
	}
	response.JSON(c, http.StatusOK, job, nil, meta)
}

// Download godoc
// @Summary Download a finished statement via signed token
// @Tags Statements
// @Produce octet-stream
// @Param token query string true "Signed download token"
// @Success 200
// @Router /statements/download [get]
func (h *StatementHandler) Download(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "missing download token"))
		return
	}

	file, err := h.statements.Download(token)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer file.Close() //nolint:errcheck

	c.FileAttachment(file.Name(), filepath.Base(file.Name()))
}

// Receipt godoc
// @Summary Render a payment receipt PDF
// @Tags Statements
// @Produce application/pdf
// @Param id path string true "Payment ID"
// @Success 200
// @Router /payments/{id}/receipt [get]
func (h *StatementHandler) Receipt(c *gin.Context) {
	data, err := h.statements.Receipt(c.Request.Context(), actorFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Data(http.StatusOK, "application/pdf", data)
}
