package middleware

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/shuttleops/fleet-api/internal/service"
)

// Gin context keys set by JWTAuth.
const (
	ContextKeyUserID   = "auth_user_id"
	ContextKeyTenantID = "auth_tenant_id"
	ContextKeyUsername = "auth_username"
	ContextKeyRole     = "auth_role"
)

// TokenValidator validates access tokens. *service.AuthService implements it.
type TokenValidator interface {
	ValidateAccessToken(tokenString string) (*service.AuthClaims, error)
}

// JWTAuth authenticates "Authorization: Bearer <token>" and stores the claims
// under the ContextKey* keys. Every trip operation downstream is scoped to the
// tenant taken from the token.
func JWTAuth(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortUnauthorized(c, "expected 'Authorization: Bearer <token>'")
			return
		}

		claims, err := tokens.ValidateAccessToken(token)
		switch {
		case errors.Is(err, service.ErrJWTSecretMissing):
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "authentication is not configured",
				"code":  "auth_disabled",
			})
			return
		case errors.Is(err, service.ErrTokenExpired):
			abortUnauthorized(c, "token expired")
			return
		case err != nil:
			abortUnauthorized(c, "invalid token")
			return
		}

		c.Set(ContextKeyUserID, claims.UserID)
		c.Set(ContextKeyTenantID, claims.TenantID)
		c.Set(ContextKeyUsername, claims.Username)
		c.Set(ContextKeyRole, claims.Role)
		c.Next()
	}
}

// RequireRole lets through users holding one of the allowed roles. It must
// run after JWTAuth.
func RequireRole(allowed ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := Role(c)
		switch {
		case role == "":
			abortUnauthorized(c, "authentication required")
		case !slices.Contains(allowed, role):
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "role " + role + " may not perform this operation",
				"code":  "forbidden",
			})
		default:
			c.Next()
		}
	}
}

// TenantID returns the authenticated tenant, or "" outside JWTAuth.
func TenantID(c *gin.Context) string { return c.GetString(ContextKeyTenantID) }

// UserID returns the authenticated user, or "" outside JWTAuth.
func UserID(c *gin.Context) string { return c.GetString(ContextKeyUserID) }

// Role returns the authenticated user's role, or "" outside JWTAuth.
func Role(c *gin.Context) string { return c.GetString(ContextKeyRole) }

// bearerToken extracts the token of a Bearer authorization header. The
// scheme is matched case-insensitively.
func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg, "code": "unauthorized"})
}
