package api

import (
	"net/http"
	"strconv"
	"time"
)

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}
