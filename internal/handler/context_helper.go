package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-enrollment-builder/internal/middleware"
	"github.com/noah-isme/sma-enrollment-builder/internal/models"
	"github.com/noah-isme/sma-enrollment-builder/internal/portal"
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

// portalContext carries the caller's access token so upstream portal calls
// act on behalf of the student.
func portalContext(c *gin.Context) context.Context {
	return portal.WithToken(c.Request.Context(), c.GetString(middleware.ContextTokenKey))
}
