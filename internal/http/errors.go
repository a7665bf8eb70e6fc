package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/signalfeedback/internal/intake"
	"github.com/fyrsmithlabs/signalfeedback/internal/training"
)

// statusFor maps domain errors to HTTP status codes.
var statusFor = []struct {
	err    error
	status int
}{
	{intake.ErrRateLimitExceeded, http.StatusTooManyRequests},
	{intake.ErrValidationFailed, http.StatusBadRequest},
	{training.ErrEmptyID, http.StatusBadRequest},
	{intake.ErrSourceNotFound, http.StatusNotFound},
	{training.ErrNotFound, http.StatusNotFound},
	{training.ErrVersionNotFound, http.StatusNotFound},
	{training.ErrConcurrentDeletion, http.StatusConflict},
	{training.ErrDeleted, http.StatusConflict},
	{training.ErrDataNotAvailable, http.StatusUnprocessableEntity},
	{intake.ErrSourceUnavailable, http.StatusServiceUnavailable},
	{context.DeadlineExceeded, http.StatusGatewayTimeout},
}

// apiError converts err into an echo.HTTPError. Unmapped errors become a
// generic 500 and are logged with the request's correlation fields.
func (s *Server) apiError(c echo.Context, err error) error {
	for _, m := range statusFor {
		if errors.Is(err, m.err) {
			return echo.NewHTTPError(m.status, err.Error()).SetInternal(err)
		}
	}
	s.logger.Error(c.Request().Context(), "request failed", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}

// errorHandler writes every error as an ErrorResponse.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	msg := http.StatusText(status)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(status)
		}
	}

	body := ErrorResponse{
		Error:     msg,
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
	}
	var writeErr error
	if c.Request().Method == http.MethodHead {
		writeErr = c.NoContent(status)
	} else {
		writeErr = c.JSON(status, body)
	}
	if writeErr != nil {
		s.logger.Warn(c.Request().Context(), "failed to write error response", zap.Error(writeErr))
	}
}
