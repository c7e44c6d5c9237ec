package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorHandler renders every error returned by handlers as an ErrorResponse.
// Messages of 5xx errors are logged and replaced by a generic text.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		he := httpErrorFrom(err)
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok && m != "" {
			msg = m
		}
		if he.Code >= http.StatusInternalServerError {
			logger.Error().Err(err).
				Str("request_id", requestIDOf(c)).
				Str("path", c.Request().URL.Path).
				Msg("internal error")
			msg = "internal server error"
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(he.Code)
		} else {
			writeErr = c.JSON(he.Code, ErrorResponse{Error: msg, RequestID: requestIDOf(c)})
		}
		if writeErr != nil {
			logger.Debug().Err(writeErr).Msg("write error response")
		}
	}
}

func httpErrorFrom(err error) *echo.HTTPError {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if inner, ok := he.Message.(*echo.HTTPError); ok {
			return inner
		}
		return he
	}
	return &echo.HTTPError{Code: http.StatusInternalServerError, Message: err.Error(), Internal: err}
}
