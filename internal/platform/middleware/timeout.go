package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout sets a context deadline on each incoming request. If the
// deadline passes before the handler returns, the request context is
// cancelled and a 504 with {"error":"request_timeout"} is written.
//
// Outbound EMR calls derive their own, shorter deadlines from this context,
// so a slow provider surfaces as upstream_unavailable before this fires.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return writeError(c, http.StatusGatewayTimeout, "request_timeout",
						"request processing exceeded "+timeout.String())
				}
				// Client went away.
				return ctx.Err()
			}
		}
	}
}
