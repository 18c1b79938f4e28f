package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// auditLog records an admin mutation. The agent from the route, when there
// is one, is always attached.
func auditLog(r *http.Request, action, resourceType, resourceID string, detail ...any) {
	attrs := []any{
		"action", action,
		"resource_type", resourceType,
		"resource_id", resourceID,
		"ip", clientIP(r),
		"request_id", RequestIDFromContext(r.Context()),
	}
	if agentID := chi.URLParam(r, "agentID"); agentID != "" {
		attrs = append(attrs, "agent_id", agentID)
	}
	attrs = append(attrs, detail...)
	slog.Info("audit", attrs...)
}

// clientIP returns the first X-Forwarded-For hop, falling back to the peer
// address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}
