package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// ParseRetryHeaders reads the standard rate limit headers most servers use:
// Retry-After (seconds or HTTP date), X-RateLimit-Reset (unix epoch), and
// X-RateLimit-Remaining.
func ParseRetryHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{}

	if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
		} else if at, err := http.ParseTime(retryAfter); err == nil {
			if delay := time.Until(at); delay > 0 {
				info.RetryAfter = delay
			}
		}
	}

	if reset := headers.Get("X-RateLimit-Reset"); reset != "" {
		if epoch, err := strconv.ParseInt(reset, 10, 64); err == nil {
			info.ResetTime = epoch
		}
	}

	if remaining := headers.Get("X-RateLimit-Remaining"); remaining != "" {
		if n, err := strconv.Atoi(remaining); err == nil {
			info.RequestsRemaining = n
		}
	}

	return info
}
