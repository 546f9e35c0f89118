package middleware

import (
	"slices"
	"strings"

	"github.com/gin-gonic/gin"

	"meditrack-server/internal/access"
	"meditrack-server/internal/config"
	"meditrack-server/internal/models"
	"meditrack-server/internal/utils"
)

const (
	userIDKey   = "userID"
	userRoleKey = "userRole"
)

// AuthMiddleware creates a middleware for JWT authentication.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			utils.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		scheme, tokenString, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || tokenString == "" {
			utils.Unauthorized(c, "Invalid authorization header format")
			c.Abort()
			return
		}

		claims, err := utils.ValidateToken(tokenString, cfg.JWTSecret)
		if err != nil {
			utils.Unauthorized(c, "Invalid token: "+err.Error())
			c.Abort()
			return
		}

		// Set user information in context for downstream handlers
		c.Set(userIDKey, claims.UserID)
		c.Set(userRoleKey, claims.Role)

		c.Next()
	}
}

// RoleAuthMiddleware creates a middleware for role-based authorization.
// It should be used *after* AuthMiddleware.
func RoleAuthMiddleware(allowedRoles ...models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := GetUserRoleFromContext(c)
		if !ok {
			utils.InternalServerError(c, "User role not found in context. AuthMiddleware might be missing.")
			c.Abort()
			return
		}

		if !slices.Contains(allowedRoles, role) {
			utils.Forbidden(c, "You do not have permission to access this resource.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// GetUserIDFromContext returns the authenticated user's ID.
func GetUserIDFromContext(c *gin.Context) (string, bool) {
	userID, exists := c.Get(userIDKey)
	if !exists {
		return "", false
	}
	idStr, ok := userID.(string)
	return idStr, ok
}

// GetUserRoleFromContext returns the authenticated user's role.
func GetUserRoleFromContext(c *gin.Context) (models.Role, bool) {
	userRole, exists := c.Get(userRoleKey)
	if !exists {
		return "", false
	}
	role, ok := userRole.(models.Role)
	return role, ok
}

// Scope builds the access scope of the authenticated caller. It writes a 401
// and returns false when the context carries no user.
func Scope(c *gin.Context) (access.Scope, bool) {
	id, ok := GetUserIDFromContext(c)
	role, roleOK := GetUserRoleFromContext(c)
	if !ok || !roleOK || id == "" {
		utils.Unauthorized(c, "User not authenticated")
		return access.Scope{}, false
	}
	return access.ForUser(id, role), true
}
