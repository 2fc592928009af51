package httpserver_test

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/evstore/internal/application/appcore"
	"github.com/lllypuk/evstore/internal/domain/errs"
	"github.com/lllypuk/evstore/internal/infrastructure/httpserver"
)

func TestRespondJSON(t *testing.T) {
	tests := []struct {
		name           string
		code           int
		data           any
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "success with data",
			code:           http.StatusOK,
			data:           map[string]string{"key": "value"},
			expectedStatus: http.StatusOK,
			expectedBody:   `{"success":true,"data":{"key":"value"}}`,
		},
		{
			name:           "success with nil data",
			code:           http.StatusOK,
			data:           nil,
			expectedStatus: http.StatusOK,
			expectedBody:   `{"success":true}`,
		},
		{
			name: "created with struct",
			code: http.StatusCreated,
			data: struct {
				ID string `json:"id"`
			}{ID: "123"},
			expectedStatus: http.StatusCreated,
			expectedBody:   `{"success":true,"data":{"id":"123"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := httpserver.RespondJSON(c, tt.code, tt.data)

			require.NoError(t, err)
			assert.Equal(t, tt.expectedStatus, rec.Code)
			assert.JSONEq(t, tt.expectedBody, rec.Body.String())
			assert.Contains(t, rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON)
		})
	}
}

func TestRespondOK(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	data := map[string]int{"count": 42}
	err := httpserver.RespondOK(c, data)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"data":{"count":42}}`, rec.Body.String())
}

func TestRespondCreated(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	data := map[string]string{"id": "new-resource-id"}
	err := httpserver.RespondCreated(c, data)

	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"success":true,"data":{"id":"new-resource-id"}}`, rec.Body.String())
}

func TestRespondNoContent(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := httpserver.RespondNoContent(c)

	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestRespondError(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
		expectedMsg    string
	}{
		{
			name:           "not found error",
			err:            errs.ErrNotFound,
			expectedStatus: http.StatusNotFound,
			expectedCode:   "NOT_FOUND",
			expectedMsg:    "The requested resource was not found",
		},
		{
			name:           "already exists error",
			err:            errs.ErrAlreadyExists,
			expectedStatus: http.StatusConflict,
			expectedCode:   "ALREADY_EXISTS",
			expectedMsg:    "The resource already exists",
		},
		{
			name:           "invalid input error",
			err:            errs.ErrInvalidInput,
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "INVALID_INPUT",
			expectedMsg:    "Invalid input data",
		},
		{
			name:           "unauthorized error",
			err:            errs.ErrUnauthorized,
			expectedStatus: http.StatusUnauthorized,
			expectedCode:   "UNAUTHORIZED",
			expectedMsg:    "Authentication required",
		},
		{
			name:           "forbidden error",
			err:            errs.ErrForbidden,
			expectedStatus: http.StatusForbidden,
			expectedCode:   "FORBIDDEN",
			expectedMsg:    "Access denied",
		},
		{
			name:           "concurrent modification error",
			err:            errs.ErrConcurrentModification,
			expectedStatus: http.StatusConflict,
			expectedCode:   "VERSION_CONFLICT",
			expectedMsg:    "Stream was modified by another request",
		},
		{
			name:           "store failure",
			err:            appcore.Internal("append", errors.New("connection reset")),
			expectedStatus: http.StatusServiceUnavailable,
			expectedCode:   "STORE_UNAVAILABLE",
			expectedMsg:    "The store is temporarily unavailable, retry the request",
		},
		{
			name:           "unknown error",
			err:            errors.New("something unexpected"),
			expectedStatus: http.StatusInternalServerError,
			expectedCode:   "INTERNAL_ERROR",
			expectedMsg:    "An internal error occurred",
		},
		{
			name:           "wrapped not found error",
			err:            errors.Join(errors.New("context"), errs.ErrNotFound),
			expectedStatus: http.StatusNotFound,
			expectedCode:   "NOT_FOUND",
			expectedMsg:    "The requested resource was not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := httpserver.RespondError(c, tt.err)

			require.NoError(t, err)
			assert.Equal(t, tt.expectedStatus, rec.Code)

			// Check response structure
			expectedBody := `{
				"success": false,
				"error": {
					"code": "` + tt.expectedCode + `",
					"message": "` + tt.expectedMsg + `"
				}
			}`
			assert.JSONEq(t, expectedBody, rec.Body.String())
		})
	}
}

func TestRespondErrorWithCode(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := httpserver.RespondErrorWithCode(c, http.StatusBadRequest, "VALIDATION_ERROR", "Name is required")

	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	expectedBody := `{
		"success": false,
		"error": {
			"code": "VALIDATION_ERROR",
			"message": "Name is required"
		}
	}`
	assert.JSONEq(t, expectedBody, rec.Body.String())
}

func TestRespondError_Details(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "version conflict",
			err:            fmt.Errorf("append: %w", appcore.NewVersionConflictError("acct-1", 3, 5)),
			expectedStatus: http.StatusConflict,
			expectedBody: `{"success":false,"error":{
				"code":"VERSION_CONFLICT",
				"message":"Stream version does not match expected version",
				"details":{"stream_id":"acct-1","expected":3,"actual":5}}}`,
		},
		{
			name:           "stream exists",
			err:            appcore.NewStreamExistsError("acct-1", 2),
			expectedStatus: http.StatusConflict,
			expectedBody: `{"success":false,"error":{
				"code":"STREAM_ALREADY_EXISTS",
				"message":"Stream already exists",
				"details":{"stream_id":"acct-1","actual":2}}}`,
		},
		{
			name:           "snapshot not found",
			err:            appcore.NewNotFoundError(appcore.ResourceSnapshot, "acct-1"),
			expectedStatus: http.StatusNotFound,
			expectedBody: `{"success":false,"error":{
				"code":"SNAPSHOT_NOT_FOUND",
				"message":"Snapshot not found",
				"details":{"resource":"snapshot","id":"acct-1"}}}`,
		},
		{
			name:           "echo error",
			err:            echo.NewHTTPError(http.StatusRequestEntityTooLarge, "Request Entity Too Large"),
			expectedStatus: http.StatusRequestEntityTooLarge,
			expectedBody: `{"success":false,"error":{
				"code":"HTTP_ERROR",
				"message":"Request Entity Too Large"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

			require.NoError(t, httpserver.RespondError(c, tt.err))

			assert.Equal(t, tt.expectedStatus, rec.Code)
			assert.JSONEq(t, tt.expectedBody, rec.Body.String())
		})
	}
}

func TestRespondError_RetryAfterOnStoreFailure(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)

	require.NoError(t, httpserver.RespondError(c, appcore.Internal("append", errors.New("timeout"))))

	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}
