package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/lyceum-overseas/visa-ops-api/internal/middleware"
	"github.com/lyceum-overseas/visa-ops-api/internal/models"
)

// claimsFromContext reads the JWT claims the auth middleware stored, or nil
// on unauthenticated requests.
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

// requestMeta captures the caller's address for audit rows. LoginRequest
// doubles as the audit metadata carrier; its IP and UserAgent fields are
// never serialised.
func requestMeta(c *gin.Context) models.LoginRequest {
	return models.LoginRequest{IP: c.ClientIP(), UserAgent: c.GetHeader("User-Agent")}
}
