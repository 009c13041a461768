// Package httpx holds the retry classification shared by outbound API
// clients: which failures are worth another attempt, and how long to
// wait before it.
package httpx

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// StatusCoder is implemented by client error types that carry the HTTP
// status of a failed call.
type StatusCoder interface {
	HTTPStatusCode() int
}

// RetryableStatus reports whether a status signals a transient failure:
// request timeout, throttling, or any server-side error.
func RetryableStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500 && code < 600
}

// Retryable classifies an outbound call failure. Context expiry counts
// as retryable here; callers that must stop on cancellation check the
// context before the next attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return RetryableStatus(sc.HTTPStatusCode())
	}
	return false
}

// Backoff picks the next sleep: the server's Retry-After when present,
// in seconds or HTTP-date form, otherwise base. The result is capped at
// max and jittered so synchronized callers do not retry in lockstep.
func Backoff(resp *http.Response, base, max time.Duration) time.Duration {
	d := base
	if resp != nil {
		if ra := strings.TrimSpace(resp.Header.Get("Retry-After")); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				d = time.Duration(secs) * time.Second
			} else if at, err := http.ParseTime(ra); err == nil {
				if until := time.Until(at); until > 0 {
					d = until
				}
			}
		}
	}
	if max > 0 && d > max {
		d = max
	}
	return jitter(d)
}

// jitter spreads a sleep across +-20% of its nominal value.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}
