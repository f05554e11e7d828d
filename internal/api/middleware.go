package api

import (
	"math"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"
)

// throttle rejects requests beyond perSec (burst 2×perSec) with 429 and a
// Retry-After hint. perSec <= 0 disables it.
func throttle(next http.Handler, perSec float64) http.Handler {
	if perSec <= 0 {
		return next
	}
	lim := rate.NewLimiter(rate.Limit(perSec), max(1, int(2*perSec)))
	retryAfter := strconv.Itoa(max(1, int(math.Ceil(1/perSec))))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !lim.Allow() {
			w.Header().Set("Retry-After", retryAfter)
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
