package middleware

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/platform/appctx"
	"github.com/Ramsey-B/fern/pkg/platform/tracing"
)

type ErrorResponse struct {
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	TraceID   string         `json:"trace_id"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// ToHTTPError maps domain errors onto HTTP errors. Errors that already carry
// a status pass through unchanged.
func ToHTTPError(err error) error {
	if err == nil || httperror.IsHTTPError(err) {
		return err
	}

	var validation *models.ValidationError
	var conflict *models.MatchConflictError
	var gate *models.GateFailureError
	var scorer *models.ScorerUnavailableError

	switch {
	case errors.As(err, &validation):
		return httperror.WrapError(http.StatusBadRequest, err)
	case errors.Is(err, models.ErrNotFound):
		return httperror.WrapError(http.StatusNotFound, err)
	case errors.As(err, &conflict),
		errors.Is(err, models.ErrAlreadyResolved),
		errors.Is(err, models.ErrAlreadyReversed),
		errors.Is(err, models.ErrStaleReversal):
		return httperror.WrapError(http.StatusConflict, err)
	case errors.As(err, &gate),
		errors.Is(err, models.ErrNotReversible),
		errors.Is(err, models.ErrInvalidTransition):
		return httperror.WrapError(http.StatusUnprocessableEntity, err)
	case errors.As(err, &scorer), errors.Is(err, models.ErrTransient):
		return httperror.WrapError(http.StatusServiceUnavailable, err)
	}
	return err
}

func Error(logger ectologger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		ctx := c.Request().Context()
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		message := "Internal Server Error"
		var meta map[string]any

		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if msg, ok := he.Message.(string); ok {
				message = msg
			}
		}

		err = ToHTTPError(err)
		if httperror.IsHTTPError(err) {
			httperr := httperror.ToHTTPError(err)
			code = httperror.GetStatusCode(err)
			message = httperr.Error()
			meta = httperr.Meta
		}

		log := logger.WithContext(ctx).WithError(err).WithField("status", code)
		if code >= http.StatusInternalServerError {
			log.Error("api is returning an error")
		} else {
			log.Warn("api is returning an error")
		}

		_ = c.JSON(code, ErrorResponse{
			Message:   message,
			RequestID: appctx.GetRequestID(ctx),
			TraceID:   tracing.GetTraceID(ctx),
			Meta:      meta,
		})
	}
}
