package ratelimit

import (
	"net/http"
	"strconv"
)

// SetHeaders writes X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset for key. A nil limiter writes nothing.
func SetHeaders(w http.ResponseWriter, limiter *Limiter, key string) {
	if limiter == nil || key == "" {
		return
	}
	limit, remaining, resetAt := limiter.Status(key)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
}
