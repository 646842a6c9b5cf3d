package response

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/layoutd/internal/engine"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", engine.Validationf("op", "bad"), http.StatusBadRequest},
		{"not found", engine.E(engine.ErrNotFound, "op", nil), http.StatusNotFound},
		{"permission denied", engine.E(engine.ErrPermissionDenied, "op", nil), http.StatusForbidden},
		{"version conflict", engine.E(engine.ErrVersionConflict, "op", nil), http.StatusConflict},
		{"upstream", engine.E(engine.ErrUpstreamUnavailable, "op", errors.New("timeout")), http.StatusServiceUnavailable},
		{"wrapped kind", fmt.Errorf("save: %w", engine.E(engine.ErrVersionConflict, "op", nil)), http.StatusConflict},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"canceled", context.Canceled, 499},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.err))
		})
	}
}

func TestRenderError(t *testing.T) {
	w := httptest.NewRecorder()
	RenderError(w, engine.E(engine.ErrVersionConflict, "layout.Save", errors.New("stored version is 3")))

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "version_conflict", resp.Code)
	assert.Contains(t, resp.Message, "stored version is 3")
}

func TestRenderError_HidesUnclassifiedDetails(t *testing.T) {
	w := httptest.NewRecorder()
	RenderError(w, errors.New("pq: password authentication failed"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "internal_error", resp.Code)
	assert.NotContains(t, resp.Message, "password")
}

func TestRenderUnauthorized(t *testing.T) {
	w := httptest.NewRecorder()
	RenderUnauthorized(w, "")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "Authentication required", resp.Message)
}
