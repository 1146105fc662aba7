package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// SetHeaders writes the X-RateLimit-* response headers every request
// carries, and Retry-After when the decision rejects the request.
func SetHeaders(w http.ResponseWriter, d Decision, now time.Time) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	resetAt := now.Add(d.Reset)
	h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.UnixMilli(), 10))
	if !d.Allowed {
		secs := int(d.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		h.Set("Retry-After", strconv.Itoa(secs))
	}
}
