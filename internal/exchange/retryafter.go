package exchange

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxRetryAfter is the longest server hint honoured.
const maxRetryAfter = time.Hour

// parseRetryAfter reads a Retry-After header, which is either a number of
// seconds or an HTTP-date. Missing, malformed and past values yield 0, which
// the gate treats as "use the group's own interval". Values above
// maxRetryAfter are clamped to it.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(min(secs, int(maxRetryAfter/time.Second))) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return min(d, maxRetryAfter)
		}
	}
	return 0
}
