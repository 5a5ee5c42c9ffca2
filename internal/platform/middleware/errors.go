package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// errorBody matches the {error, error_description} shape the API handlers
// render, so middleware rejections look the same as handler failures.
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeError(c echo.Context, status int, code, description string) error {
	if c.Response().Committed {
		return nil
	}
	return c.JSON(status, errorBody{Error: code, ErrorDescription: description})
}

// ErrorHandler renders errors that reach echo, such as *echo.HTTPError from
// routing, RequireUser or a handler, in the {error, error_description}
// shape. Anything else is a 500 whose detail is logged but not sent.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status := http.StatusInternalServerError
		description := "internal server error"

		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			if msg, ok := he.Message.(string); ok && msg != "" {
				description = msg
			} else {
				description = strings.ToLower(http.StatusText(status))
			}
			if status >= http.StatusInternalServerError && he.Internal != nil {
				logger.Error().Err(he.Internal).Str("request_id", RequestIDFrom(c)).Msg("request failed")
			}
		} else {
			logger.Error().Err(err).Str("request_id", RequestIDFrom(c)).Msg("unhandled error")
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = writeError(c, status, errorCode(status), description)
		}
		if err != nil {
			logger.Error().Err(err).Msg("failed to write error response")
		}
	}
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case http.StatusGatewayTimeout:
		return "request_timeout"
	}
	if status >= http.StatusInternalServerError {
		return "internal_error"
	}
	if text := http.StatusText(status); text != "" {
		return strings.ReplaceAll(strings.ToLower(text), " ", "_")
	}
	return "error"
}
