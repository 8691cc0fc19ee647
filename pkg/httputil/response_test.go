package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteJSON(rec, http.StatusAccepted, map[string]int{"id": 1}))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"id":1}`, rec.Body.String())
}

func TestErrorWriters(t *testing.T) {
	tests := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
		body   ErrorResponse
	}{
		{
			name:   "error",
			write:  func(w http.ResponseWriter) { WriteError(w, http.StatusTeapot, errors.New("short and stout")) },
			status: http.StatusTeapot,
			body:   ErrorResponse{Error: "short and stout"},
		},
		{
			name: "reason",
			write: func(w http.ResponseWriter) {
				WriteReasonError(w, http.StatusBadRequest, "invalid_days", "days must be positive")
			},
			status: http.StatusBadRequest,
			body:   ErrorResponse{Error: "days must be positive", Reason: "invalid_days"},
		},
		{
			name:   "bad request",
			write:  func(w http.ResponseWriter) { WriteBadRequest(w, "bad") },
			status: http.StatusBadRequest,
			body:   ErrorResponse{Error: "bad"},
		},
		{
			name:   "not found",
			write:  func(w http.ResponseWriter) { WriteNotFound(w, "subscription not found") },
			status: http.StatusNotFound,
			body:   ErrorResponse{Error: "subscription not found"},
		},
		{
			name:   "conflict",
			write:  func(w http.ResponseWriter) { WriteConflict(w, "coupon exhausted") },
			status: http.StatusConflict,
			body:   ErrorResponse{Error: "coupon exhausted"},
		},
		{
			name:   "internal",
			write:  func(w http.ResponseWriter) { WriteInternalError(w) },
			status: http.StatusInternalServerError,
			body:   ErrorResponse{Error: "internal server error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.body, decodeError(t, rec))
		})
	}
}

func TestSuccessWriters(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteCreated(rec, map[string]string{"code": "SAVE10"}))
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	require.NoError(t, WriteSuccess(rec, []int{1, 2}))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[1,2]`, rec.Body.String())

	rec = httptest.NewRecorder()
	WriteNoContent(rec)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}
