package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shuttleops/fleet-api/internal/service"
)

// Authenticator is the session side of the auth service.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (*service.Session, error)
	Refresh(ctx context.Context, rawRefreshToken string) (*service.Session, error)
	Logout(ctx context.Context, rawRefreshToken string) error
}

// AuthHandler serves login, refresh and logout.
type AuthHandler struct {
	auth Authenticator
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(auth Authenticator) *AuthHandler {
	return &AuthHandler{auth: auth}
}

type credentialsRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type refreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Login handles POST /api/v1/auth/login
//
//	{"username": "dispatch1", "password": "secret"}
//
// Responds with a session body (see sessionJSON), 401 for bad credentials.
func (h *AuthHandler) Login(c *gin.Context) {
	var req credentialsRequest
	if !bindJSON(c, &req) {
		return
	}

	sess, err := h.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeAuthError(c, err, "invalid username or password")
		return
	}
	c.JSON(http.StatusOK, sessionJSON(sess, true))
}

// Refresh handles POST /api/v1/auth/refresh. The presented refresh token is
// consumed; the response carries its replacement.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshTokenRequest
	if !bindJSON(c, &req) {
		return
	}

	sess, err := h.auth.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		writeAuthError(c, err, "invalid or expired refresh token")
		return
	}
	c.JSON(http.StatusOK, sessionJSON(sess, false))
}

// Logout handles POST /api/v1/auth/logout and answers 204.
func (h *AuthHandler) Logout(c *gin.Context) {
	var req refreshTokenRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.auth.Logout(c.Request.Context(), req.RefreshToken); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func writeAuthError(c *gin.Context, err error, msg string) {
	switch {
	case service.IsAuthFailure(err):
		c.JSON(http.StatusUnauthorized, gin.H{"error": msg, "code": "unauthorized"})
	case errors.Is(err, service.ErrJWTSecretMissing):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "authentication is not configured", "code": "auth_disabled"})
	default:
		writeError(c, err)
	}
}

func sessionJSON(sess *service.Session, withUser bool) gin.H {
	body := gin.H{
		"access_token":       sess.AccessToken,
		"access_expires_at":  sess.AccessExpiresAt.UTC().Format(time.RFC3339),
		"refresh_token":      sess.RefreshToken,
		"refresh_expires_at": sess.RefreshExpiresAt.UTC().Format(time.RFC3339),
		"token_type":         "Bearer",
	}
	if withUser && sess.User != nil {
		body["user"] = gin.H{
			"id":        sess.User.ID,
			"tenant_id": sess.User.TenantID,
			"username":  sess.User.Username,
			"full_name": sess.User.FullName,
			"role":      sess.User.Role,
		}
	}
	return body
}
