package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/schoolworks/finance-api/internal/middleware"
	"github.com/schoolworks/finance-api/internal/models"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok {
		return nil
	}
	return claims
}

// actorFromContext resolves the authenticated caller into the explicit
// actor value every service operation takes. An empty actor carries no
// role and fails every permission check downstream.
func actorFromContext(c *gin.Context) models.Actor {
	return claimsFromContext(c).Actor()
}
