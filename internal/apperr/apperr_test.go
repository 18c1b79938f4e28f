package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantName string
	}{
		{"validation", fmt.Errorf("%w: missing X-Agent-Id", ErrValidation), http.StatusBadRequest, "validation_error"},
		{"auth", fmt.Errorf("%w: signature mismatch", ErrAuth), http.StatusUnauthorized, "auth_error"},
		{"not found", fmt.Errorf("%w: kpi 1000", ErrNotFound), http.StatusNotFound, "not_found"},
		{"conflict", ErrConflict, http.StatusConflict, "conflict"},
		{"configuration", fmt.Errorf("wrap: %w", fmt.Errorf("%w: no pricing", ErrConfiguration)), http.StatusUnprocessableEntity, "configuration_error"},
		{"rate limited", fmt.Errorf("%w: agent a", ErrRateLimited), http.StatusTooManyRequests, "rate_limited"},
		{"too large", fmt.Errorf("%w: body over 1048576 bytes", ErrTooLarge), http.StatusRequestEntityTooLarge, "payload_too_large"},
		{"plain error is internal", errors.New("connection refused"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, name := HTTPStatus(tt.err)
			if code != tt.wantCode || name != tt.wantName {
				t.Errorf("HTTPStatus() = (%d, %q), want (%d, %q)", code, name, tt.wantCode, tt.wantName)
			}
		})
	}
}

func TestLabel(t *testing.T) {
	if got := Label(fmt.Errorf("%w: x", ErrAuth)); got != "auth" {
		t.Errorf("expected auth, got %s", got)
	}
	if got := Label(errors.New("boom")); got != "internal" {
		t.Errorf("expected internal, got %s", got)
	}
}
