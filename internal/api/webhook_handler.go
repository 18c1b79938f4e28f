package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/alecgard/agentmeter/internal/apperr"
	"github.com/alecgard/agentmeter/internal/ingest"
	"github.com/alecgard/agentmeter/internal/metrics"
	"github.com/alecgard/agentmeter/internal/ratelimit"
	"github.com/alecgard/agentmeter/internal/webhook"
)

// webhookHandler accepts usage deliveries from agents.
type webhookHandler struct {
	service      *ingest.Service
	metrics      *metrics.Metrics
	maxBodyBytes int64
}

func newWebhookHandler(svc *ingest.Service, m *metrics.Metrics, maxBodyBytes int64) *webhookHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = maxBodySize
	}
	return &webhookHandler{service: svc, metrics: m, maxBodyBytes: maxBodyBytes}
}

// Receive handles POST /webhooks/usage. The raw body is kept byte-for-byte
// for signature verification.
func (h *webhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "validation_error", "failed to read request body")
		return
	}

	receipt, err := h.service.Ingest(r.Context(), r.Header, body)
	if err != nil {
		switch {
		case errors.Is(err, apperr.ErrAuth):
			h.metrics.IncAuthFailure("webhook_signature")
			slog.Warn("webhook rejected", "reason", "auth", "agent_id", r.Header.Get(webhook.HeaderAgentID), "ip", clientIP(r))
		case errors.Is(err, apperr.ErrRateLimited):
			// Only signed requests reach the limiter, so the header is trusted.
			ratelimit.SetHeaders(w, h.service.Limiter(), r.Header.Get(webhook.HeaderAgentID))
			w.Header().Set("Retry-After", "1")
		}
		writeAppError(w, r, err)
		return
	}

	ratelimit.SetHeaders(w, h.service.Limiter(), r.Header.Get(webhook.HeaderAgentID))
	writeJSON(w, http.StatusOK, receipt)
}
