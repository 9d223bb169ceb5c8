package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/disco-paas/disco/common"
	"github.com/disco-paas/disco/db"
	"github.com/disco-paas/disco/github"
	"github.com/disco-paas/disco/manifest"
	"github.com/disco-paas/disco/runner"
	"github.com/disco-paas/disco/swarm"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// HTTPErrorHandler maps domain errors onto status codes: 401 for rejected
// credentials, 404 for missing resources, 422 for semantic failures, 500
// otherwise.
func HTTPErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	message := err.Error()

	var httpErr *echo.HTTPError
	var invalidManifest *manifest.InvalidManifestError
	var containerErr *swarm.ContainerError
	var cgiErr *runner.CGIResponseError

	switch {
	case errors.As(err, &httpErr):
		code = httpErr.Code
		if msg, ok := httpErr.Message.(string); ok {
			message = msg
		}
	case errors.Is(err, db.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, db.ErrConflict):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, github.ErrSignatureMismatch):
		code = http.StatusUnauthorized
	case errors.As(err, &invalidManifest):
		code = http.StatusUnprocessableEntity
	case errors.As(err, &cgiErr):
		// The raw script output travels to the caller for debugging.
		code = http.StatusBadGateway
		message = cgiErr.Error() + "\n" + string(cgiErr.Output)
	case errors.As(err, &containerErr):
		code = http.StatusInternalServerError
	}

	if c.Response().Committed {
		return
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	if sendErr := c.JSON(code, ErrorResponse{
		Error:   http.StatusText(code),
		Message: message,
	}); sendErr != nil {
		common.Logger.WithError(sendErr).Error("error response not sent")
	}
}
