package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// ParseRetryAfter reads the Retry-After header, which carries either a
// delay in seconds or an HTTP-date. Returns zero when absent or
// malformed, or when the date is already in the past.
func ParseRetryAfter(headers http.Header) time.Duration {
	value := headers.Get("Retry-After")
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
