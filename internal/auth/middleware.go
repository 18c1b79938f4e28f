package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/alecgard/agentmeter/internal/metrics"
)

// AdminAuthMiddleware requires "Authorization: Bearer <adminKey>". An empty
// adminKey leaves the routes open.
func AdminAuthMiddleware(adminKey string, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if adminKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				m.IncAuthFailure("admin_key")
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}
			if !KeysMatch(token, adminKey) {
				m.IncAuthFailure("admin_key")
				writeUnauthorized(w, "invalid admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{
			Code:    "auth_error",
			Message: message,
		},
	})
}
