package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/connect-api/internal/models"
	appErrors "github.com/noah-isme/connect-api/pkg/errors"
	"github.com/noah-isme/connect-api/pkg/response"
)

// RequireRoles rejects requests whose token role is not one of roles.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make(map[models.UserRole]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		claims := CurrentUser(c)
		if claims == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		if _, ok := allowed[claims.Role]; !ok {
			response.Error(c, appErrors.ErrForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireReviewer admits the roles allowed to approve or reject update requests.
func RequireReviewer() gin.HandlerFunc {
	return RequireRoles(models.RoleSuperAdmin, models.RoleGlobalAdmin)
}
