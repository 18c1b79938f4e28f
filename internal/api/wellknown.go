package api

import "net/http"

// wellKnownManifest is the static JSON manifest for /.well-known/agentmeter.json.
const wellKnownManifest = `{
  "name": "agentmeter",
  "description": "Usage metering and billing for AI agents",
  "version": "0.1.0",
  "webhook": {
    "path": "/webhooks/usage",
    "headers": ["X-Agent-Id", "X-Timestamp", "X-Idempotency-Key", "X-Signature"],
    "signature": "sha256=<hex hmac-sha256 of raw body>",
    "event_types": ["execution.started", "execution.completed", "job.started", "job.completed"]
  },
  "api_base": "/api/v1/admin",
  "auth": {
    "type": "bearer",
    "header": "Authorization"
  },
  "health": "/health"
}`

// WellKnownHandler returns the static agentmeter well-known manifest.
func WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(wellKnownManifest))
}
