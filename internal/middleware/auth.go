package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"aerosol/internal/errs"
)

const userIDContextKey = "userID"

// AccessValidator resolves an access token to the user it was issued to.
type AccessValidator interface {
	ValidateAccess(ctx context.Context, accessToken string) (string, error)
}

func UserIDFromContext(c *gin.Context) (string, bool) {
	userID, ok := c.Get(userIDContextKey)
	if !ok {
		return "", false
	}
	value, ok := userID.(string)
	return value, ok && value != ""
}

// BearerToken returns the credential of the Authorization header. Clients
// send "Bearer <token>"; only the scheme prefix is stripped.
func BearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	tok := strings.TrimSpace(parts[1])
	return tok, tok != ""
}

// RequireAccess rejects requests without a valid access token. With
// allowQuery the token may also come from the "token" query parameter,
// which browsers need for websocket upgrades.
func RequireAccess(v AccessValidator, allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := BearerToken(c)
		if !ok && allowQuery {
			tok = c.Query("token")
			ok = tok != ""
		}
		if !ok {
			AbortWithError(c, errs.Auth(errs.AuthMissing))
			return
		}

		userID, err := v.ValidateAccess(c.Request.Context(), tok)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(userIDContextKey, userID)
		c.Next()
	}
}

// StatusFor maps an error from the service layer to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errs.IsAuth(err):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrAlreadyExists):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// AbortWithError writes the JSON error body for err and stops the chain.
// Internal errors are recorded on the context for the request logger and
// answered with a generic message.
func AbortWithError(c *gin.Context, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		msg = "Internal server error"
	}
	if status == http.StatusUnauthorized {
		var ae *errs.AuthError
		if errors.As(err, &ae) {
			msg = "Invalid authentication token: " + ae.Kind.String()
		}
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
