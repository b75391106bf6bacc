// ABOUTME: Bearer token extraction and echo middleware for token-protected routes.
// ABOUTME: Tokens come from the Authorization header or, for WebSocket upgrades, a token query param.

package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const claimsKey = "hostlink.claims"

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// ExtractToken returns the bearer token from the "token" query parameter or
// the Authorization header, in that order. Empty means none was presented.
func ExtractToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	token, _ := extractBearerToken(r.Header.Get("Authorization"))
	return token
}

// RequireToken verifies the bearer token and requires one of roles. The
// verified claims are stored on the echo context.
func RequireToken(issuer *TokenIssuer, roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, errMsg := extractBearerToken(c.Request().Header.Get("Authorization"))
			if errMsg != "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"status": "error", "message": errMsg})
			}

			claims, err := issuer.Verify(token)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"status": "error", "message": "invalid token"})
			}

			if len(roles) > 0 && !hasRole(claims.Role, roles) {
				return c.JSON(http.StatusForbidden, map[string]string{"status": "error", "message": "insufficient role"})
			}

			c.Set(claimsKey, claims)
			return next(c)
		}
	}
}

// ClaimsFrom returns the claims stored by RequireToken, or nil.
func ClaimsFrom(c echo.Context) *Claims {
	claims, _ := c.Get(claimsKey).(*Claims)
	return claims
}

func hasRole(role string, allowed []string) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}
