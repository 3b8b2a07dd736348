package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/lyceum-overseas/visa-ops-api/internal/models"
	appErrors "github.com/lyceum-overseas/visa-ops-api/pkg/errors"
	"github.com/lyceum-overseas/visa-ops-api/pkg/response"
)

// selfMarker in an allow list grants access when the :id path parameter is
// the caller's own user ID, so students can read their own account.
const selfMarker = "SELF"

// RBAC gates a route to the listed roles.
func RBAC(allowed ...string) gin.HandlerFunc {
	allowSelf := false
	roles := make(map[models.UserRole]struct{}, len(allowed))
	for _, a := range allowed {
		if a == selfMarker {
			allowSelf = true
			continue
		}
		roles[models.UserRole(a)] = struct{}{}
	}

	return func(c *gin.Context) {
		value, exists := c.Get(ContextUserKey)
		if !exists {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		claims := value.(*models.JWTClaims)

		if _, ok := roles[claims.Role]; ok {
			c.Next()
			return
		}
		if allowSelf && c.Param("id") != "" && c.Param("id") == claims.UserID {
			c.Next()
			return
		}

		response.Error(c, appErrors.ErrForbidden)
		c.Abort()
	}
}

// RequireRoles gates a route to the given typed roles.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make([]string, len(roles))
	for i, r := range roles {
		allowed[i] = string(r)
	}
	return RBAC(allowed...)
}
