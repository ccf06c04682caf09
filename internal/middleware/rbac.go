package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/schoolworks/finance-api/internal/models"
	appErrors "github.com/schoolworks/finance-api/pkg/errors"
	"github.com/schoolworks/finance-api/pkg/response"
)

// RequireRoles rejects callers whose role is not in the allowed set.
// This is a route-level guard only; services still check the actor's
// role themselves, so a missing guard cannot widen access.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make(map[models.UserRole]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}

	return func(c *gin.Context) {
		claimsValue, exists := c.Get(ContextUserKey)
		if !exists {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		claims := claimsValue.(*models.JWTClaims)

		if _, ok := allowed[claims.Role]; !ok {
			response.Error(c, appErrors.ErrForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireLedgerManager shortcuts the admin/accountant guard used by
// every mutating finance route.
func RequireLedgerManager() gin.HandlerFunc {
	return RequireRoles(models.RoleAdmin, models.RoleAccountant)
}
