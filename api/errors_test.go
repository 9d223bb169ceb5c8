package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disco-paas/disco/db"
	"github.com/disco-paas/disco/github"
	"github.com/disco-paas/disco/manifest"
	"github.com/disco-paas/disco/runner"
)

func handleError(t *testing.T, err error) (*httptest.ResponseRecorder, ErrorResponse) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/projects/blog", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	HTTPErrorHandler(err, c)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestHTTPErrorHandlerMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"not found", db.ErrNotFound, http.StatusNotFound},
		{"wrapped not found", fmt.Errorf("getting project: %w", db.ErrNotFound), http.StatusNotFound},
		{"conflict", fmt.Errorf("%w: domain already taken", db.ErrConflict), http.StatusUnprocessableEntity},
		{"signature mismatch", github.ErrSignatureMismatch, http.StatusUnauthorized},
		{"invalid manifest", &manifest.InvalidManifestError{Path: "services.web.port", Message: "out of range"}, http.StatusUnprocessableEntity},
		{"echo error passes through", echo.NewHTTPError(http.StatusBadRequest, "nope"), http.StatusBadRequest},
		{"unknown is 500", fmt.Errorf("broken pipe"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := handleError(t, tt.err)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, http.StatusText(tt.code), body.Error)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestHTTPErrorHandlerCGICarriesOutput(t *testing.T) {
	err := &runner.CGIResponseError{
		Reason: "missing status line",
		Output: []byte("<html>stack trace</html>"),
	}
	rec, body := handleError(t, err)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, body.Message, "missing status line")
	assert.Contains(t, body.Message, "<html>stack trace</html>")
}

func TestAfterID(t *testing.T) {
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/output", nil)
	req.Header.Set("Last-Event-ID", "42")
	assert.Equal(t, uint64(42), afterID(e.NewContext(req, httptest.NewRecorder())))

	req = httptest.NewRequest(http.MethodGet, "/output?after=7", nil)
	assert.Equal(t, uint64(7), afterID(e.NewContext(req, httptest.NewRecorder())))

	req = httptest.NewRequest(http.MethodGet, "/output", nil)
	assert.Equal(t, uint64(0), afterID(e.NewContext(req, httptest.NewRecorder())))
}
