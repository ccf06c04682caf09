package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/schoolworks/finance-api/internal/service"
	appErrors "github.com/schoolworks/finance-api/pkg/errors"
	"github.com/schoolworks/finance-api/pkg/response"
)

// ImportHandler exposes the bulk student import endpoint.
type ImportHandler struct {
	imports     *service.ImportService
	maxFileSize int64
}

// NewImportHandler constructs ImportHandler.
func NewImportHandler(imports *service.ImportService, maxFileSize int64) *ImportHandler {
	if maxFileSize <= 0 {
		maxFileSize = 2 << 20
	}
	return &ImportHandler{imports: imports, maxFileSize: maxFileSize}
}

// Import godoc
// @Summary Bulk import students from CSV
// @Tags Students
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "CSV file"
// @Success 200 {object} response.Envelope
// @Router /students/import [post]
func (h *ImportHandler) Import(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "missing CSV file"))
		return
	}
	if fileHeader.Size > h.maxFileSize {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "CSV file too large"))
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open upload"))
		return
	}
	defer file.Close() //nolint:errcheck

	rows, err := h.imports.ParseCSV(file)
	if err != nil {
		response.Error(c, err)
		return
	}

	result, err := h.imports.Import(c.Request.Context(), actorFromContext(c), rows)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
