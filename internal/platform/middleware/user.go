package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// UserIDHeader carries the authenticated user id set by the upstream gateway.
const UserIDHeader = "X-User-ID"

const userIDKey = "user_id"

// UserID copies the gateway-supplied user id into the echo context. Requests
// without one pass through unchanged; handlers that need a user call
// RequireUser or check UserIDFrom themselves.
func UserID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if uid := strings.TrimSpace(c.Request().Header.Get(UserIDHeader)); uid != "" {
				c.Set(userIDKey, uid)
			}
			return next(c)
		}
	}
}

// RequireUser rejects requests that carry no user id with 401.
func RequireUser() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if UserIDFrom(c) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing "+UserIDHeader+" header")
			}
			return next(c)
		}
	}
}

// UserIDFrom returns the user id stored by UserID, falling back to the raw
// header so handlers work without the middleware in tests.
func UserIDFrom(c echo.Context) string {
	if uid, ok := c.Get(userIDKey).(string); ok && uid != "" {
		return uid
	}
	return strings.TrimSpace(c.Request().Header.Get(UserIDHeader))
}
