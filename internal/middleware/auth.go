package middleware

import (
	"crypto/hmac"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// tokenFromRequest pulls a client token from the Authorization bearer
// header, the X-Auth-Token header or the password query parameter, in that
// order.
func tokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			return strings.TrimSpace(auth[7:])
		}
	}
	if tok := r.Header.Get("X-Auth-Token"); tok != "" {
		return tok
	}
	return r.URL.Query().Get("password")
}

// TokenAuth guards all routes except the health check with a shared
// password. An empty configured password disables the check.
func TokenAuth(getPassword func() string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().URL.Path == "/healthz" {
				return next(c)
			}
			expected := getPassword()
			if expected == "" {
				return next(c)
			}
			got := tokenFromRequest(c.Request())
			if got == "" || !hmac.Equal([]byte(got), []byte(expected)) {
				return c.String(http.StatusUnauthorized, "unauthorized")
			}
			return next(c)
		}
	}
}
