package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/schoolworks/finance-api/internal/models"
	appErrors "github.com/schoolworks/finance-api/pkg/errors"
)

// Envelope is the wire contract shared by every endpoint: exactly one
// of Data or Error is set, Pagination and Meta ride alongside.
type Envelope struct {
	Data       interface{}            `json:"data,omitempty"`
	Error      *appErrors.Error       `json:"error,omitempty"`
	Pagination *models.Pagination     `json:"pagination,omitempty"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

// JSON writes a success envelope. Meta is variadic so the common case
// stays a three-argument call.
func JSON(c *gin.Context, status int, data interface{}, pagination *models.Pagination, meta ...map[string]interface{}) {
	env := Envelope{Data: data, Pagination: pagination}
	if len(meta) > 0 && meta[0] != nil {
		env.Meta = meta[0]
	}
	write(c, status, env)
}

func Created(c *gin.Context, data interface{}) {
	JSON(c, http.StatusCreated, data, nil)
}

func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Error maps any error onto the envelope via the domain error taxonomy;
// unknown errors surface as 500s without leaking internals.
func Error(c *gin.Context, err error) {
	appErr := appErrors.FromError(err)
	write(c, appErr.Status, Envelope{Error: appErr})
}

func write(c *gin.Context, status int, env Envelope) {
	// Financial data must never be served from shared caches.
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
	c.JSON(status, env)
}
