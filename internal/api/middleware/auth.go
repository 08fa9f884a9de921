// Package middleware resolves the caller's identity for HTTP and websocket
// requests.
package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gocomet/ride-dispatch/pkg/auth"
	apperrors "github.com/gocomet/ride-dispatch/pkg/errors"
)

const principalKey = "principal"

// Development identity headers, honoured only when token verification is off.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
	HeaderDriverID = "X-Driver-ID"
)

// Authenticate puts the caller's principal on the context. With a verifier the
// bearer token is required, taken from the Authorization header or the token
// query parameter (browsers cannot set headers on websocket upgrades). Without
// one, identity headers or the user_id/user_type/driver_id query parameters
// are trusted.
func Authenticate(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := Identify(c, verifier)
		if err != nil {
			abort(c, err)
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// Identify resolves the principal of a request.
func Identify(c *gin.Context, verifier *auth.Verifier) (auth.Principal, error) {
	if verifier != nil {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.Query("token")
		}
		p, err := verifier.Verify(raw)
		if err != nil {
			if errors.Is(err, auth.ErrMissingToken) {
				return auth.Principal{}, apperrors.ErrMissingPrincipal
			}
			return auth.Principal{}, apperrors.Unauthorized("Invalid or expired token", err)
		}
		return p, nil
	}

	userID := firstNonEmpty(c.GetHeader(HeaderUserID), c.Query("user_id"))
	if userID == "" {
		return auth.Principal{}, apperrors.ErrMissingPrincipal
	}
	role := auth.Role(strings.ToUpper(firstNonEmpty(c.GetHeader(HeaderUserRole), c.Query("user_type"))))
	if role == "" {
		role = auth.RoleRider
	}

	p := auth.Principal{UserID: userID, Role: role}
	if role == auth.RoleDriver {
		p.DriverID = firstNonEmpty(c.GetHeader(HeaderDriverID), c.Query("driver_id"), userID)
	}
	return p, nil
}

// PrincipalFrom returns the principal set by Authenticate.
func PrincipalFrom(c *gin.Context) (auth.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return auth.Principal{}, false
	}
	p, ok := v.(auth.Principal)
	return p, ok
}

// RequireDriver admits only principals with a driver profile.
func RequireDriver() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok {
			abort(c, apperrors.ErrMissingPrincipal)
			return
		}
		if !p.IsDriver() {
			abort(c, apperrors.ErrDriverRequired)
			return
		}
		c.Next()
	}
}

// RequireRider admits riders and admins.
func RequireRider() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok {
			abort(c, apperrors.ErrMissingPrincipal)
			return
		}
		if p.Role != auth.RoleRider && p.Role != auth.RoleAdmin {
			abort(c, apperrors.ErrRiderRequired)
			return
		}
		c.Next()
	}
}

func abort(c *gin.Context, err error) {
	appErr := apperrors.GetAppError(err)
	c.AbortWithStatusJSON(appErr.Status, gin.H{"error": appErr.Message, "code": appErr.Code})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
