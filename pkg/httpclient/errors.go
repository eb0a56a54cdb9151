package httpclient

import "fmt"

// RetryExhaustedError reports that every permitted attempt failed, either
// by hitting the attempt cap or by running out the retry window.
type RetryExhaustedError struct {
	Attempts      int
	Reason        string
	WindowExpired bool
}

func (e *RetryExhaustedError) Error() string {
	if e.WindowExpired {
		return fmt.Sprintf("retry window exhausted after %d attempts (last: %s)", e.Attempts, e.Reason)
	}
	return fmt.Sprintf("retries exhausted after %d attempts (last: %s)", e.Attempts, e.Reason)
}
