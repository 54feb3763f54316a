package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"aerosol/internal/errs"
	"aerosol/internal/middleware"
	"aerosol/internal/service"
)

// AuthHandler serves the credential endpoints: registration token issuance,
// registration, access renewal and revocation.
type AuthHandler struct {
	Auth *service.AuthService
}

type registrationTokenBody struct {
	VaultName string `json:"vaultName"`
	Password  string `json:"password"`
}

type registerBody struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

// RegistrationToken handles POST /registrationToken.
func (h *AuthHandler) RegistrationToken(c *gin.Context) {
	var body registrationTokenBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.VaultName == "" || body.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "vaultName and password are required"})
		return
	}

	tok, err := h.Auth.IssueRegistrationToken(c.Request.Context(), body.VaultName, body.Password)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.Header("Authorization", tok)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Register handles POST /user.
func (h *AuthHandler) Register(c *gin.Context) {
	var body registerBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}

	refresh, u, err := h.Auth.Register(c.Request.Context(), body.Token, body.Username)
	if err != nil {
		if errors.Is(err, service.ErrInvalidUsername) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		middleware.AbortWithError(c, err)
		return
	}
	c.Header("Authorization", refresh)
	c.JSON(http.StatusOK, gin.H{"success": true, "userId": u.ID})
}

// Renew handles GET /user: the bearer credential is a refresh token and
// the response carries a fresh access token.
func (h *AuthHandler) Renew(c *gin.Context) {
	refresh, ok := middleware.BearerToken(c)
	if !ok {
		middleware.AbortWithError(c, errs.Auth(errs.AuthMissing))
		return
	}

	access, ttl, err := h.Auth.RenewAccess(c.Request.Context(), refresh)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.Header("Authorization", access)
	c.JSON(http.StatusOK, gin.H{"expiresIn": int64(ttl.Seconds())})
}

// Revoke handles DELETE /user. It bumps the caller's refresh epoch, so the
// client has to register again.
func (h *AuthHandler) Revoke(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		middleware.AbortWithError(c, errs.Auth(errs.AuthMissing))
		return
	}
	if err := h.Auth.Revoke(c.Request.Context(), userID); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
